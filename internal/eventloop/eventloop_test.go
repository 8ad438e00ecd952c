package eventloop

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/behrlich/go-tcmu-target/internal/devmgr"
	"github.com/behrlich/go-tcmu-target/internal/handler"
	"github.com/behrlich/go-tcmu-target/internal/scsi"
	"github.com/behrlich/go-tcmu-target/internal/uapi"
)

// buildCmdEntry lays out one OP_CMD entry the same way internal/ring's test
// helper does: a single IOV, an inline CDB at local offset 40.
func buildCmdEntry(ringOffset uint64, totalLen uint32, cdb []byte, iovBase, iovLen uint64) []byte {
	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0:4], (totalLen<<4)|uapi.OpCmd)
	cdbOff := uint32(uint64(uapi.MailboxSize) + ringOffset + 40)
	binary.LittleEndian.PutUint32(buf[8:12], cdbOff)
	binary.LittleEndian.PutUint32(buf[12:16], 1) // iov_cnt
	binary.LittleEndian.PutUint64(buf[16:24], iovBase)
	binary.LittleEndian.PutUint64(buf[24:32], iovLen)
	copy(buf[40:], cdb)
	return buf
}

// setupFakeDevice writes a backing file laid out as mailbox + command ring
// (containing entries) + a data area sized dataAreaSize, plus the sysfs
// tree devmgr reads, so Attach can be exercised without a real uio device.
func setupFakeDevice(t *testing.T, devDir, sysfsRoot, name, cfgString string, cmdrSize uint64, dataAreaSize uint64, entries ...[]byte) {
	t.Helper()

	total := uint64(uapi.MailboxSize) + cmdrSize + dataAreaSize
	region := make([]byte, total)
	binary.LittleEndian.PutUint16(region[uapi.MailboxVersionOff:], 1)
	binary.LittleEndian.PutUint32(region[uapi.MailboxCmdrOffOff:], uint32(uapi.MailboxSize))
	binary.LittleEndian.PutUint32(region[uapi.MailboxCmdrSizeOff:], uint32(cmdrSize))

	var head uint64
	for _, e := range entries {
		copy(region[uint64(uapi.MailboxSize)+head:], e)
		head += uint64(len(e))
	}
	binary.LittleEndian.PutUint64(region[uapi.MailboxCmdHeadOff:], head)
	binary.LittleEndian.PutUint64(region[uapi.MailboxCmdTailOff:], 0)

	if err := os.MkdirAll(devDir, 0o755); err != nil {
		t.Fatal(err)
	}
	devPath := filepath.Join(devDir, name)
	if err := os.WriteFile(devPath, region, 0o644); err != nil {
		t.Fatal(err)
	}

	mapDir := filepath.Join(sysfsRoot, name, "maps", "map0")
	if err := os.MkdirAll(mapDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mapDir, "size"), []byte(hexSize(total)), 0o644); err != nil {
		t.Fatal(err)
	}

	devAttrDir := filepath.Join(sysfsRoot, name, "device")
	if err := os.MkdirAll(devAttrDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(devAttrDir, "cfgstring"), []byte(cfgString), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sysfsRoot, name, "name"), []byte("tcm-user+srv/"+cfgString), 0o644); err != nil {
		t.Fatal(err)
	}
}

func hexSize(n uint64) string {
	const hexDigits = "0123456789abcdef"
	if n == 0 {
		return "0x0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{hexDigits[n%16]}, buf...)
		n /= 16
	}
	return "0x" + string(buf)
}

func noopHandler(subtype string) *handler.Handler {
	return &handler.Handler{
		Subtype: subtype,
		Open:    func(dev *handler.DeviceInfo) (any, error) { return nil, nil },
		Close:   func(dev *handler.DeviceInfo, state any) {},
		Submit: func(dev *handler.DeviceInfo, st any, cdbBytes []byte, iovs [][]byte, complete func(uint8, []byte)) handler.Result {
			return handler.Result{Kind: handler.HandledSync, Status: uapi.SamStatGood}
		},
	}
}

func newTestManager(t *testing.T, subtype string) (*devmgr.Manager, string, string) {
	t.Helper()
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev")
	sysfsRoot := filepath.Join(dir, "sysfs")

	reg := handler.NewRegistry()
	if err := reg.Register(noopHandler(subtype)); err != nil {
		t.Fatal(err)
	}
	reg.Seal()

	mgr := devmgr.New(devmgr.Config{DevDir: devDir, SysfsRoot: sysfsRoot, ServerName: "srv"}, reg, nil)
	return mgr, devDir, sysfsRoot
}

func TestHandleDeviceAnswersControlPlaneSynchronously(t *testing.T) {
	mgr, devDir, sysfsRoot := newTestManager(t, "file")
	cdb := []byte{uapi.ScsiTestUnitReady, 0, 0, 0, 0, 0}
	entryLen := uint32(48)
	entry := buildCmdEntry(0, entryLen, cdb, 0, 0)
	setupFakeDevice(t, devDir, sysfsRoot, "uio0", "file/test.img", 64, 4096, entry)

	if err := mgr.Attach("uio0"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var seenOpcode byte
	respond := func(dev *devmgr.Device, cdbBytes []byte, iovs [][]byte) (scsi.Response, []byte, bool) {
		seenOpcode = cdbBytes[0]
		return scsi.TestUnitReady(), nil, false
	}

	l := New(nil, mgr, respond, nil)
	l.handleDevice("uio0")

	if seenOpcode != uapi.ScsiTestUnitReady {
		t.Errorf("respond saw opcode %#x, want TEST_UNIT_READY", seenOpcode)
	}

	d, _ := mgr.Get("uio0")
	mb, err := uapi.ReadMailbox(d.Region)
	if err != nil {
		t.Fatal(err)
	}
	if mb.CmdTail != uint64(entryLen) {
		t.Errorf("cmd_tail = %d, want %d", mb.CmdTail, entryLen)
	}
}

func TestHandleDeviceWritesControlPlaneResponseIntoIOV(t *testing.T) {
	mgr, devDir, sysfsRoot := newTestManager(t, "file")
	cdb := []byte{uapi.ScsiInquiry, 0, 0, 0, 64, 0}
	entryLen := uint32(160)
	iovBase := uint64(uapi.MailboxSize) + 256 + 0 // data area starts right after the 256-byte ring
	entry := buildCmdEntry(0, entryLen, cdb, iovBase, 64)
	setupFakeDevice(t, devDir, sysfsRoot, "uio1", "file/test.img", 256, 4096, entry)

	if err := mgr.Attach("uio1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	respData := []byte("hello inquiry data")
	respond := func(dev *devmgr.Device, cdbBytes []byte, iovs [][]byte) (scsi.Response, []byte, bool) {
		return scsi.Response{Status: uapi.SamStatGood}, respData, false
	}

	l := New(nil, mgr, respond, nil)
	l.handleDevice("uio1")

	d, _ := mgr.Get("uio1")
	got := d.Region[iovBase : iovBase+uint64(len(respData))]
	if string(got) != string(respData) {
		t.Errorf("iov data = %q, want %q", got, respData)
	}
}

func TestHandleDeviceRoutesDataPlaneOpcodeToHandler(t *testing.T) {
	mgr, devDir, sysfsRoot := newTestManager(t, "file")
	cdb := make([]byte, 16)
	cdb[0] = uapi.ScsiRead16
	entryLen := uint32(48)
	entry := buildCmdEntry(0, entryLen, cdb, 0, 0)
	setupFakeDevice(t, devDir, sysfsRoot, "uio2", "file/test.img", 64, 4096, entry)

	if err := mgr.Attach("uio2"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	respond := func(dev *devmgr.Device, cdbBytes []byte, iovs [][]byte) (scsi.Response, []byte, bool) {
		return scsi.Response{}, nil, true
	}

	l := New(nil, mgr, respond, nil)
	l.handleDevice("uio2")

	d, _ := mgr.Get("uio2")
	// The worker pool runs on its own goroutines; give the synchronous
	// handler a chance to complete and advance cmd_tail.
	d.Workers.Shutdown()

	mb, err := uapi.ReadMailbox(d.Region)
	if err != nil {
		t.Fatal(err)
	}
	if mb.CmdTail != uint64(entryLen) {
		t.Errorf("cmd_tail = %d, want %d after handler completion", mb.CmdTail, entryLen)
	}
}

func TestHandleDeviceUnknownNameIsNoop(t *testing.T) {
	mgr, _, _ := newTestManager(t, "file")
	l := New(nil, mgr, nil, nil)
	l.handleDevice("does-not-exist") // must not panic
}
