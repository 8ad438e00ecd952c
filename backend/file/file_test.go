package file

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-tcmu-target/internal/handler"
	"github.com/behrlich/go-tcmu-target/internal/uapi"
)

func openTestDevice(t *testing.T, size int64) (*handler.DeviceInfo, any) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	f.Close()

	h := New()
	dev := &handler.DeviceInfo{Name: "uio0", ConfigRest: path}
	state, err := h.Open(dev)
	require.NoError(t, err)
	return dev, state
}

func read16CDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = uapi.ScsiRead16
	binary.BigEndian.PutUint64(cdb[2:10], lba)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)
	return cdb
}

func write16CDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = uapi.ScsiWrite16
	binary.BigEndian.PutUint64(cdb[2:10], lba)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)
	return cdb
}

func TestOpenReportsGeometryFromFileSize(t *testing.T) {
	dev, _ := openTestDevice(t, 4096)
	assert.Equal(t, uint32(BlockSize), dev.BlockSize)
	assert.Equal(t, uint64(4096/BlockSize), dev.NumBlocks)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dev, st := openTestDevice(t, 8192)

	payload := make([]byte, BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	var gotStatus uint8
	var gotSense []byte
	complete := func(status uint8, sense []byte) { gotStatus = status; gotSense = sense }

	res := submit(dev, st, write16CDB(1, 1), [][]byte{payload}, complete)
	require.Equal(t, handler.HandledSync, res.Kind)
	require.Equal(t, uapi.SamStatGood, res.Status)

	readBuf := make([]byte, BlockSize)
	res = submit(dev, st, read16CDB(1, 1), [][]byte{readBuf}, complete)
	require.Equal(t, handler.HandledSync, res.Kind)
	require.Equal(t, uapi.SamStatGood, res.Status)
	assert.Equal(t, payload, readBuf)
	_ = gotStatus
	_ = gotSense
}

func TestReadPastEndOfFileReturnsZeroes(t *testing.T) {
	dev, st := openTestDevice(t, BlockSize)
	buf := make([]byte, BlockSize)
	for i := range buf {
		buf[i] = 0xAA
	}

	res := submit(dev, st, read16CDB(1, 1), [][]byte{buf}, nil)
	require.Equal(t, uapi.SamStatGood, res.Status)
	assert.Equal(t, make([]byte, BlockSize), buf)
}

func TestUnknownOpcodeIsNotHandled(t *testing.T) {
	dev, st := openTestDevice(t, BlockSize)
	res := submit(dev, st, []byte{0x1C, 0, 0, 0, 0, 0}, nil, nil)
	assert.Equal(t, handler.NotHandled, res.Kind)
}

func TestCheckConfigRejectsEmptyPath(t *testing.T) {
	assert.Error(t, checkConfig(""))
}

func TestCheckConfigCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.img")
	require.NoError(t, checkConfig(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
