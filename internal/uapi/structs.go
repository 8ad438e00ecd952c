package uapi

import "fmt"

// Mailbox mirrors the kernel-shared header at the start of every mapped
// region (spec §6, "Mailbox layout").
type Mailbox struct {
	Version  uint16
	CmdrOff  uint32
	CmdrSize uint32
	CmdHead  uint64
	CmdTail  uint64
}

// IOV is a scatter/gather descriptor: Base is a byte offset into the mapped
// region, Len is the fragment length in bytes.
type IOV struct {
	Base uint64
	Len  uint64
}

// EntryHeader is the 8-byte opcode+length header present on every ring
// entry.
type EntryHeader struct {
	Opcode uint8
	Length uint32 // total entry length in bytes, including this header
}

// CmdEntry is a parsed OP_CMD ring entry. Offsets stored here are absolute,
// relative to the mapped region base, so callers never need to re-derive
// them from cmdr_off/cmd_tail.
type CmdEntry struct {
	Header EntryHeader

	// RingOffset is the entry's position within the command ring, i.e. the
	// value cmd_tail held when this entry was read.
	RingOffset uint64

	CdbOff uint32
	Iovs   []IOV

	// StatusOff/SenseOff are absolute offsets of the response fields within
	// the mapped region, precomputed so completion can write them without
	// re-parsing the entry.
	StatusOff uint64
	SenseOff  uint64
}

// Validate checks that every offset an entry references lies within the
// mapped region, per the bounds-checking invariant in spec §4.1/§9.
func (e *CmdEntry) Validate(regionLen uint64) error {
	if uint64(e.CdbOff) >= regionLen {
		return fmt.Errorf("uapi: cdb_off %d out of range (region=%d)", e.CdbOff, regionLen)
	}
	for i, iov := range e.Iovs {
		if iov.Base+iov.Len > regionLen || iov.Base+iov.Len < iov.Base {
			return fmt.Errorf("uapi: iov[%d] {base=%d len=%d} out of range (region=%d)", i, iov.Base, iov.Len, regionLen)
		}
	}
	if e.SenseOff+SenseBufLen > regionLen {
		return fmt.Errorf("uapi: sense buffer at %d out of range (region=%d)", e.SenseOff, regionLen)
	}
	return nil
}

// TotalIovLen returns the sum of all IOV fragment lengths.
func (e *CmdEntry) TotalIovLen() uint64 {
	var total uint64
	for _, iov := range e.Iovs {
		total += iov.Len
	}
	return total
}
