// Package scsi implements stateless responders for the control-plane SCSI
// opcodes this runtime emulates directly: INQUIRY, TEST UNIT READY, READ
// CAPACITY (16), and MODE SENSE/SELECT. Data-plane READ/WRITE opcodes are
// not handled here — they are routed to the device's handler module.
package scsi

import (
	"bytes"
	"encoding/binary"

	"github.com/behrlich/go-tcmu-target/internal/cdb"
	"github.com/behrlich/go-tcmu-target/internal/uapi"
)

// Geometry describes the block dimensions of the device a command targets.
type Geometry struct {
	BlockSize uint32
	NumBlocks uint64
}

// Response is the outcome of a responder: a SCSI status byte plus, for
// CHECK_CONDITION, a sense buffer built by BuildSense.
type Response struct {
	Status uint8
	Sense  []byte
}

// Ok builds a SAM_STAT_GOOD response.
func Ok() Response {
	return Response{Status: uapi.SamStatGood}
}

// CheckCondition builds a CHECK_CONDITION response with a descriptor-format
// sense buffer carrying the given sense key and additional sense code.
func CheckCondition(key byte, asc uint16) Response {
	return Response{Status: uapi.SamStatCheckCondition, Sense: BuildSense(key, asc)}
}

// IllegalRequest is shorthand for the sense code this runtime returns for
// any malformed or unsupported field value.
func IllegalRequest() Response {
	return CheckCondition(uapi.SenseKeyIllegalRequest, uapi.AscInvalidFieldInParam)
}

// InvalidOpcode is the response synthesized when no opcode dispatch or
// handler recognizes a CDB (spec's NOT_HANDLED outcome).
func InvalidOpcode() Response {
	return CheckCondition(uapi.SenseKeyIllegalRequest, uapi.AscInvalidCommandOpCode)
}

// MediumError is returned when backing I/O fails during a data-plane
// READ/WRITE; callers in the handler package use this directly.
func MediumError(asc uint16) Response {
	return CheckCondition(uapi.SenseKeyMediumError, asc)
}

// BuildSense fills a fixed-length, descriptor-format sense buffer. Only the
// leading bytes this runtime's supported sense keys need are populated;
// the remainder stays zero.
func BuildSense(key byte, asc uint16) []byte {
	buf := make([]byte, uapi.SenseBufLen)
	buf[0] = 0x72 // current errors, descriptor format
	buf[1] = key & 0x0F
	buf[2] = byte(asc >> 8)
	buf[3] = byte(asc)
	return buf
}

// Info carries the vendor/product identification strings reported in a
// standard INQUIRY response.
type Info struct {
	VendorID   string
	ProductID  string
	ProductRev string
}

// DefaultInfo is used when a handler doesn't supply its own Info.
var DefaultInfo = Info{
	VendorID:   "tcmu-tgt",
	ProductID:  "Userspace Target",
	ProductRev: "0001",
}

func fixedString(s string, length int) []byte {
	p := []byte(s)
	if len(p) >= length {
		return p[:length]
	}
	pad := bytes.Repeat([]byte{' '}, length-len(p))
	return append(p, pad...)
}

// Inquiry dispatches between standard and EVPD INQUIRY based on CDB byte 1.
func Inquiry(raw []byte, info Info, cfgString string) (Response, []byte) {
	if raw[1]&0x01 == 0 {
		if raw[2] != 0x00 {
			return IllegalRequest(), nil
		}
		return standardInquiry(info)
	}
	return evpdInquiry(raw, info, cfgString)
}

func standardInquiry(info Info) (Response, []byte) {
	buf := make([]byte, 36)
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02 // response data format
	buf[4] = 31   // additional length
	buf[7] = 0x02 // CmdQue
	copy(buf[8:16], fixedString(info.VendorID, 8))
	copy(buf[16:32], fixedString(info.ProductID, 16))
	copy(buf[32:36], fixedString(info.ProductRev, 4))
	return Ok(), buf
}

func evpdInquiry(raw []byte, info Info, cfgString string) (Response, []byte) {
	page := raw[2]
	switch page {
	case 0x00:
		data := make([]byte, 6)
		data[3] = 2
		data[4] = 0x00
		data[5] = 0x83
		return Ok(), data
	case 0x83:
		used := 4
		data := make([]byte, 512)
		data[1] = 0x83

		ptr := data[used:]
		ptr[0] = 2 // code set: ASCII
		ptr[1] = 1 // identifier: T10 vendor id
		copy(ptr[4:], fixedString(info.VendorID, 8))
		ptr[3] = 8
		used += int(ptr[3]) + 4

		ptr = data[used:]
		ptr[0] = 2 // code set: ASCII
		ptr[1] = 0 // identifier: vendor specific
		n := copy(ptr[4:], []byte(cfgString))
		ptr[3] = byte(n + 1)
		used += n + 1 + 4

		binary.BigEndian.PutUint16(data[2:4], uint16(used-4))
		return Ok(), data[:used]
	default:
		return IllegalRequest(), nil
	}
}

// TestUnitReady always reports ready: this runtime has no notion of a
// not-ready device short of it being detached entirely.
func TestUnitReady() Response {
	return Ok()
}

// ReadCapacity16 reports the last addressable LBA and the block size.
func ReadCapacity16(geo Geometry) (Response, []byte) {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], geo.NumBlocks-1)
	binary.BigEndian.PutUint32(buf[8:12], geo.BlockSize)
	return Ok(), buf
}

// writeCachingPage appends the single mode page this runtime reports: the
// caching page, with the write-cache-enabled bit set per wce.
func writeCachingPage(buf *bytes.Buffer, wce bool) {
	page := make([]byte, 20)
	page[0] = 0x08 // caching mode page
	page[1] = 0x12 // page length, fixed
	if wce {
		page[2] |= 0x04
	}
	buf.Write(page)
}

// ModeSense responds to MODE_SENSE(6) or MODE_SENSE(10). wce reports the
// handler's write-cache-enabled state in the caching page.
func ModeSense(raw []byte, form cdb.Form, allocLen uint32, wce bool) (Response, []byte) {
	pages := &bytes.Buffer{}
	page := raw[2] & 0x3F
	if page == 0x3F || page == 0x08 {
		writeCachingPage(pages, wce)
	}

	var hdr []byte
	pageBytes := pages.Bytes()
	if form == cdb.Form6 {
		hdr = make([]byte, 4)
		hdr[0] = byte(len(pageBytes) + 3)
		hdr[2] = 0x10 // DPOFUA support
	} else {
		hdr = make([]byte, 8)
		binary.BigEndian.PutUint16(hdr, uint16(len(pageBytes)+6))
		hdr[3] = 0x10
	}

	data := append(hdr, pageBytes...)
	if int(allocLen) < len(data) {
		data = data[:allocLen]
	}
	return Ok(), data
}

// ModeSelect validates that the only page the initiator sets is the static
// caching page this runtime reports via ModeSense, matching wce exactly.
// Nothing is actually persisted: there is nothing to select.
func ModeSelect(raw []byte, form cdb.Form, allocLen uint32, paramList []byte, wce bool) Response {
	if allocLen == 0 {
		return Ok()
	}
	hdrLen := 4
	if form != cdb.Form6 {
		hdrLen = 8
	}
	if len(raw) < 2 || raw[1]&0x10 == 0 || raw[1]&0x01 != 0 {
		return IllegalRequest()
	}
	if len(paramList) < hdrLen {
		return CheckCondition(uapi.SenseKeyIllegalRequest, uapi.AscParamListLengthError)
	}

	expect := &bytes.Buffer{}
	page := raw[2] & 0x3F
	subpage := byte(0)
	if len(raw) > 3 {
		subpage = raw[3]
	}
	if page == 0x08 && subpage == 0 {
		writeCachingPage(expect, wce)
	} else {
		return IllegalRequest()
	}

	want := expect.Bytes()
	if len(paramList) < hdrLen+len(want) {
		return CheckCondition(uapi.SenseKeyIllegalRequest, uapi.AscParamListLengthError)
	}
	if !bytes.Equal(paramList[hdrLen:hdrLen+len(want)], want) {
		return CheckCondition(uapi.SenseKeyIllegalRequest, uapi.AscInvalidFieldInParam)
	}
	return Ok()
}
