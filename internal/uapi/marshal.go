package uapi

import (
	"encoding/binary"
	"fmt"
)

// resolve returns the region slice [off, off+length) after bounds-checking
// it against len(region). This is the single helper spec §9 calls for:
// every offset that comes from kernel-shared memory passes through here
// before being dereferenced.
func resolve(region []byte, off, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	end := off + length
	if end < off || end > uint64(len(region)) {
		return nil, fmt.Errorf("uapi: offset %d length %d exceeds mapped region (%d bytes)", off, length, len(region))
	}
	return region[off:end], nil
}

// ReadMailbox parses the mailbox header at the base of region.
func ReadMailbox(region []byte) (Mailbox, error) {
	hdr, err := resolve(region, 0, MailboxSize)
	if err != nil {
		return Mailbox{}, fmt.Errorf("uapi: mailbox: %w", err)
	}
	return Mailbox{
		Version:  binary.LittleEndian.Uint16(hdr[MailboxVersionOff:]),
		CmdrOff:  binary.LittleEndian.Uint32(hdr[MailboxCmdrOffOff:]),
		CmdrSize: binary.LittleEndian.Uint32(hdr[MailboxCmdrSizeOff:]),
		CmdHead:  binary.LittleEndian.Uint64(hdr[MailboxCmdHeadOff:]),
		CmdTail:  binary.LittleEndian.Uint64(hdr[MailboxCmdTailOff:]),
	}, nil
}

// WriteCmdTail stores a new cmd_tail value into the mailbox. Callers must
// hold the device's completion mutex; this write must happen-after the
// corresponding entry's status/sense write (spec §4.1/§9 ordering).
func WriteCmdTail(region []byte, tail uint64) error {
	hdr, err := resolve(region, 0, MailboxSize)
	if err != nil {
		return fmt.Errorf("uapi: mailbox: %w", err)
	}
	binary.LittleEndian.PutUint64(hdr[MailboxCmdTailOff:], tail)
	return nil
}

// ReadEntryHeader decodes the 8-byte opcode+length header at absolute
// offset off within region.
func ReadEntryHeader(region []byte, off uint64) (EntryHeader, error) {
	raw, err := resolve(region, off, EntryHeaderSize)
	if err != nil {
		return EntryHeader{}, fmt.Errorf("uapi: entry header: %w", err)
	}
	v := binary.LittleEndian.Uint32(raw)
	return EntryHeader{
		Opcode: uint8(v & 0xF),
		Length: v >> 4,
	}, nil
}

// ParseCmdEntry decodes the OP_CMD body that follows an entry header at
// absolute offset off (off already points past the 8-byte header).
func ParseCmdEntry(region []byte, hdr EntryHeader, ringOffset, off uint64) (*CmdEntry, error) {
	body, err := resolve(region, off, CdbOffSize+IovCntSize)
	if err != nil {
		return nil, fmt.Errorf("uapi: cmd entry: %w", err)
	}
	cdbOff := binary.LittleEndian.Uint32(body[:CdbOffSize])
	iovCnt := binary.LittleEndian.Uint32(body[CdbOffSize:])

	iovBase := off + CdbOffSize + IovCntSize
	iovBytes, err := resolve(region, iovBase, uint64(iovCnt)*IovEntrySize)
	if err != nil {
		return nil, fmt.Errorf("uapi: iov array: %w", err)
	}
	iovs := make([]IOV, iovCnt)
	for i := range iovs {
		b := iovBytes[i*IovEntrySize:]
		iovs[i] = IOV{
			Base: binary.LittleEndian.Uint64(b[0:8]),
			Len:  binary.LittleEndian.Uint64(b[8:16]),
		}
	}

	statusOff := iovBase + uint64(iovCnt)*IovEntrySize
	senseOff := statusOff + ScsiStatusLen

	entry := &CmdEntry{
		Header:     hdr,
		RingOffset: ringOffset,
		CdbOff:     cdbOff,
		Iovs:       iovs,
		StatusOff:  statusOff,
		SenseOff:   senseOff,
	}
	return entry, nil
}

// WriteCompletion writes the SCSI status byte and sense buffer into an
// entry's response fields. Callers must hold the device's completion mutex
// and must call this before advancing cmd_tail past the entry.
func WriteCompletion(region []byte, entry *CmdEntry, status uint8, sense []byte) error {
	statusField, err := resolve(region, entry.StatusOff, ScsiStatusLen)
	if err != nil {
		return fmt.Errorf("uapi: write status: %w", err)
	}
	statusField[0] = status

	senseField, err := resolve(region, entry.SenseOff, SenseBufLen)
	if err != nil {
		return fmt.Errorf("uapi: write sense: %w", err)
	}
	for i := range senseField {
		senseField[i] = 0
	}
	copy(senseField, sense)
	return nil
}

// ReadCDB returns the CDB bytes for entry, bounds-checked against region.
// The CDB's length depends on its opcode's form; callers ask for exactly
// the number of bytes the CDB form decoder needs.
func ReadCDB(region []byte, entry *CmdEntry, length int) ([]byte, error) {
	b, err := resolve(region, uint64(entry.CdbOff), uint64(length))
	if err != nil {
		return nil, fmt.Errorf("uapi: cdb: %w", err)
	}
	return b, nil
}

// ResolveIOVs returns the data-area byte slices addressed by entry's IOV
// array, already bounds-checked.
func ResolveIOVs(region []byte, entry *CmdEntry) ([][]byte, error) {
	out := make([][]byte, len(entry.Iovs))
	for i, iov := range entry.Iovs {
		b, err := resolve(region, iov.Base, iov.Len)
		if err != nil {
			return nil, fmt.Errorf("uapi: iov[%d]: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// CopyToIOVs scatters data across iovs in order, filling each to capacity
// before moving to the next. It returns the number of bytes copied, which
// is less than len(data) if the IOVs have less total capacity than data.
func CopyToIOVs(iovs [][]byte, data []byte) int {
	total := 0
	for _, iov := range iovs {
		if len(data) == 0 {
			break
		}
		n := copy(iov, data)
		data = data[n:]
		total += n
	}
	return total
}

// ConcatIOVs gathers a command's IOVs into one contiguous buffer, for
// callers (MODE SELECT parameter parsing, WRITE handlers) that need the
// data-out region as a single slice rather than scattered segments.
func ConcatIOVs(iovs [][]byte) []byte {
	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	out := make([]byte, 0, total)
	for _, iov := range iovs {
		out = append(out, iov...)
	}
	return out
}
