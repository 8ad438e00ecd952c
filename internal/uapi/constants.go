// Package uapi defines the byte-level layout of the kernel-shared mailbox
// and command ring, and the subset of SCSI opcodes this runtime emulates.
// Field offsets and sizes must match the kernel side exactly; nothing here
// is negotiable at runtime.
package uapi

// Mailbox field offsets, relative to the start of the mapped region.
const (
	MailboxVersionOff  = 0
	MailboxCmdrOffOff  = 4
	MailboxCmdrSizeOff = 8
	MailboxCmdHeadOff  = 16
	MailboxCmdTailOff  = 24
	MailboxSize        = 32 // conservative; the kernel may reserve more
)

// Ring entry opcodes, encoded in the low 4 bits of the 8-byte entry header.
const (
	OpPad = 0
	OpCmd = 1
)

// EntryHeaderSize is the size of the opcode+length header present on every
// ring entry (OP_PAD and OP_CMD alike).
const EntryHeaderSize = 8

// OP_CMD body field sizes.
const (
	CdbOffSize    = 4
	IovCntSize    = 4
	IovEntrySize  = 16 // base(8) + len(8)
	ScsiStatusLen = 1
	SenseBufLen   = 96
)

// SCSI opcodes supported per the minimum command set.
const (
	ScsiInquiry          = 0x12
	ScsiTestUnitReady    = 0x00
	ScsiModeSense6       = 0x1A
	ScsiModeSense10      = 0x5A
	ScsiModeSelect6      = 0x15
	ScsiModeSelect10     = 0x55
	ScsiServiceActionIn  = 0x9E
	ScsiReadCapacity16   = 0x10 // service action, not a top-level opcode
	ScsiRead6            = 0x08
	ScsiRead10           = 0x28
	ScsiRead12           = 0xA8
	ScsiRead16           = 0x88
	ScsiWrite6           = 0x0A
	ScsiWrite10          = 0x2A
	ScsiWrite12          = 0xAA
	ScsiWrite16          = 0x8A
)

// SCSI status codes.
const (
	SamStatGood           = 0x00
	SamStatCheckCondition = 0x02
)

// Sense keys and additional sense codes needed by this runtime. Each Asc*
// value packs the additional sense code in its high byte and the
// qualifier (ASCQ) in its low byte.
const (
	SenseKeyIllegalRequest = 0x05
	SenseKeyMediumError    = 0x03

	AscInvalidCommandOpCode  = 0x2000
	AscLogicalBlockOutOfRang = 0x2100
	AscReadError             = 0x1100
	AscWriteError            = 0x0C00
	AscParamListLengthError  = 0x1A00
	AscInvalidFieldInParam   = 0x2600
)
