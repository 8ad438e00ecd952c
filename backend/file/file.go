// Package file is a reference Handler backing a device with a plain local
// file: no O_DIRECT, block size fixed at registration, size derived from
// the file's length at open time. Grounded on tcmu-runner's file_example.c
// example handler, reshaped into this runtime's Handler contract.
package file

import (
	"fmt"
	"io"
	"os"

	"github.com/behrlich/go-tcmu-target/internal/cdb"
	"github.com/behrlich/go-tcmu-target/internal/constants"
	"github.com/behrlich/go-tcmu-target/internal/handler"
	"github.com/behrlich/go-tcmu-target/internal/scsi"
	"github.com/behrlich/go-tcmu-target/internal/uapi"
)

// BlockSize is the fixed logical block size this handler reports. The
// backing file's length must be a multiple of it.
const BlockSize = constants.DefaultBlockSize

type state struct {
	f *os.File
}

// New returns a Handler backing devices with a local file, registered
// under the "file" subtype (cfgstring "file/<path>").
func New() *handler.Handler {
	return &handler.Handler{
		Name:        "file-backed handler",
		Subtype:     "file",
		CheckConfig: checkConfig,
		Open:        open,
		Close:       closeDevice,
		Submit:      submit,
	}
}

func checkConfig(configRest string) error {
	if configRest == "" {
		return fmt.Errorf("file: no path in cfgstring")
	}
	if _, err := os.Stat(configRest); err == nil {
		return nil
	}
	f, err := os.OpenFile(configRest, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("file: cannot create %q: %w", configRest, err)
	}
	f.Close()
	return nil
}

func open(dev *handler.DeviceInfo) (any, error) {
	f, err := os.OpenFile(dev.ConfigRest, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("file: open %q: %w", dev.ConfigRest, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file: stat %q: %w", dev.ConfigRest, err)
	}

	dev.BlockSize = BlockSize
	dev.NumBlocks = uint64(info.Size()) / BlockSize

	return &state{f: f}, nil
}

func closeDevice(dev *handler.DeviceInfo, st any) {
	st.(*state).f.Close()
}

// submit handles the data-plane READ/WRITE opcodes; every control-plane
// opcode is already answered by the runtime before a command reaches here.
func submit(dev *handler.DeviceInfo, st any, cdbBytes []byte, iovs [][]byte, complete func(status uint8, sense []byte)) handler.Result {
	s := st.(*state)

	decoded, err := cdb.Decode(cdbBytes)
	if err != nil {
		return handler.Result{Kind: handler.NotHandled}
	}
	offset := int64(decoded.LBA) * int64(dev.BlockSize)
	length := int64(decoded.Length) * int64(dev.BlockSize)

	switch decoded.Opcode {
	case uapi.ScsiRead6, uapi.ScsiRead10, uapi.ScsiRead12, uapi.ScsiRead16:
		buf := make([]byte, length)
		if _, err := s.f.ReadAt(buf, offset); err != nil && err != io.EOF {
			medium := scsi.MediumError(uapi.AscReadError)
			return handler.Result{Kind: handler.HandledSync, Status: medium.Status, Sense: medium.Sense}
		}
		uapi.CopyToIOVs(iovs, buf)
		return handler.Result{Kind: handler.HandledSync, Status: uapi.SamStatGood}

	case uapi.ScsiWrite6, uapi.ScsiWrite10, uapi.ScsiWrite12, uapi.ScsiWrite16:
		buf := uapi.ConcatIOVs(iovs)
		if int64(len(buf)) > length {
			buf = buf[:length]
		}
		if _, err := s.f.WriteAt(buf, offset); err != nil {
			medium := scsi.MediumError(uapi.AscWriteError)
			return handler.Result{Kind: handler.HandledSync, Status: medium.Status, Sense: medium.Sense}
		}
		return handler.Result{Kind: handler.HandledSync, Status: uapi.SamStatGood}

	default:
		return handler.Result{Kind: handler.NotHandled}
	}
}
