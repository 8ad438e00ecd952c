package devmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/behrlich/go-tcmu-target/internal/handler"
)

// setupFakeDevice creates a regular file standing in for a character
// device plus the sysfs tree devmgr reads, so Attach/Detach can be
// exercised without a real uio device.
func setupFakeDevice(t *testing.T, devDir, sysfsRoot, name string, size int, cfgString string) {
	t.Helper()
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		t.Fatal(err)
	}
	devPath := filepath.Join(devDir, name)
	f, err := os.Create(devPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	mapDir := filepath.Join(sysfsRoot, name, "maps", "map0")
	if err := os.MkdirAll(mapDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mapDir, "size"), []byte("0x"+itohex(size)), 0o644); err != nil {
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

func itohex(n int) string {
	const hexDigits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{hexDigits[n%16]}, buf...)
		n /= 16
	}
	return string(buf)
}

func noopHandler(subtype string) *handler.Handler {
	return &handler.Handler{
		Subtype: subtype,
		Open:    func(dev *handler.DeviceInfo) (any, error) { return "state", nil },
		Close:   func(dev *handler.DeviceInfo, state any) {},
	}
}

func TestAttachAndDetach(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev")
	sysfsRoot := filepath.Join(dir, "sysfs")
	setupFakeDevice(t, devDir, sysfsRoot, "uio9", 4096, "file/test.img")

	reg := handler.NewRegistry()
	if err := reg.Register(noopHandler("file")); err != nil {
		t.Fatal(err)
	}
	reg.Seal()

	m := New(Config{DevDir: devDir, SysfsRoot: sysfsRoot, ServerName: "srv"}, reg, nil)

	if err := m.Attach("uio9"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	d, ok := m.Get("uio9")
	if !ok {
		t.Fatal("device not found after attach")
	}
	if d.ConfigStr != "file/test.img" {
		t.Errorf("ConfigStr = %q, want file/test.img", d.ConfigStr)
	}
	if len(d.Region) != 4096 {
		t.Errorf("mapped region length = %d, want 4096", len(d.Region))
	}

	if err := m.Detach("uio9"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, ok := m.Get("uio9"); ok {
		t.Fatal("device still present after detach")
	}
}

func TestAttachUnknownSubtypeFails(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev")
	sysfsRoot := filepath.Join(dir, "sysfs")
	setupFakeDevice(t, devDir, sysfsRoot, "uio1", 4096, "rbd/pool/image")

	reg := handler.NewRegistry()
	reg.Seal()
	m := New(Config{DevDir: devDir, SysfsRoot: sysfsRoot, ServerName: "srv"}, reg, nil)

	if err := m.Attach("uio1"); err == nil {
		t.Fatal("expected attach to fail for unregistered subtype")
	}
	if _, ok := m.Get("uio1"); ok {
		t.Fatal("device should not be added after failed attach")
	}
}

func TestDetachUnknownNameIsIgnored(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Seal()
	m := New(Config{DevDir: t.TempDir(), SysfsRoot: t.TempDir(), ServerName: "srv"}, reg, nil)
	if err := m.Detach("uio404"); err != nil {
		t.Fatalf("Detach of unknown device should not error: %v", err)
	}
}

func TestScanAttachesMatchingDevices(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "dev")
	sysfsRoot := filepath.Join(dir, "sysfs")
	setupFakeDevice(t, devDir, sysfsRoot, "uio3", 4096, "file/a.img")

	reg := handler.NewRegistry()
	if err := reg.Register(noopHandler("file")); err != nil {
		t.Fatal(err)
	}
	reg.Seal()
	m := New(Config{DevDir: devDir, SysfsRoot: sysfsRoot, ServerName: "srv"}, reg, nil)

	if err := m.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := m.Get("uio3"); !ok {
		t.Fatal("Scan did not attach uio3")
	}
}
