package errors

import (
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := New("scan", CodeSetupFatal, "no uio devices found")

	if err.Op != "scan" {
		t.Errorf("Op = %s, want scan", err.Op)
	}
	if err.Code != CodeSetupFatal {
		t.Errorf("Code = %s, want %s", err.Code, CodeSetupFatal)
	}

	want := "tcmu-target: scan: no uio devices found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDeviceError(t *testing.T) {
	err := NewDevice("attach", "uio7", CodeUnknownSubtype, "no handler for subtype rbd")

	if err.Device != "uio7" {
		t.Errorf("Device = %s, want uio7", err.Device)
	}

	want := "tcmu-target: attach: no handler for subtype rbd (device=uio7)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapMapsErrno(t *testing.T) {
	err := Wrap("attach", "uio3", syscall.ENOENT)
	if err.Code != CodeDeviceNotFound {
		t.Errorf("Code = %s, want %s", err.Code, CodeDeviceNotFound)
	}
	if !IsCode(err, CodeDeviceNotFound) {
		t.Error("IsCode should match CodeDeviceNotFound")
	}
}

func TestWrapPassesThroughStructuredError(t *testing.T) {
	inner := NewDevice("handler.open", "uio1", CodeUnknownSubtype, "boom")
	wrapped := Wrap("attach", "uio1", inner)
	if wrapped.Code != CodeUnknownSubtype {
		t.Errorf("Code = %s, want %s", wrapped.Code, CodeUnknownSubtype)
	}
}
