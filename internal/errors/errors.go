// Package errors provides the structured error type used for setup-fatal
// and device-fatal failures. Command-level failures never reach here — they
// are turned into SCSI sense codes by the scsi package instead.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// Code represents a high-level error category.
type Code string

const (
	CodeSetupFatal       Code = "setup fatal"
	CodeDeviceFatal      Code = "device fatal"
	CodeDeviceNotFound   Code = "device not found"
	CodeInvalidParams    Code = "invalid parameters"
	CodePermissionDenied Code = "permission denied"
	CodeProtocol         Code = "ring protocol violation"
	CodeUnknownSubtype   Code = "unknown handler subtype"
	CodeIO               Code = "I/O error"
)

// Error is a structured runtime error with enough context to decide, at the
// call site, whether a single device should be torn down or the whole
// process should abort.
type Error struct {
	Op     string // operation that failed, e.g. "attach", "scan", "netlink.bind"
	Device string // device name (e.g. "uio14"), empty if not device-scoped
	Code   Code
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Device != "" && e.Op != "":
		return fmt.Sprintf("tcmu-target: %s: %s (device=%s)", e.Op, msg, e.Device)
	case e.Op != "":
		return fmt.Sprintf("tcmu-target: %s: %s", e.Op, msg)
	default:
		return fmt.Sprintf("tcmu-target: %s", msg)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// New creates a process/setup-scoped error.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDevice creates a device-scoped error.
func NewDevice(op, device string, code Code, msg string) *Error {
	return &Error{Op: op, Device: device, Code: code, Msg: msg}
}

// Wrap attaches operation context to an existing error, mapping syscall
// errnos to a Code the way the caller's unwind logic expects.
func Wrap(op, device string, err error) *Error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(*Error); ok {
		return &Error{Op: op, Device: device, Code: ue.Code, Errno: ue.Errno, Msg: ue.Msg, Inner: ue.Inner}
	}
	if errno, ok := err.(syscall.Errno); ok {
		return &Error{Op: op, Device: device, Code: mapErrno(errno), Errno: errno, Msg: errno.Error(), Inner: err}
	}
	return &Error{Op: op, Device: device, Code: CodeIO, Msg: err.Error(), Inner: err}
}

func mapErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT:
		return CodeDeviceNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidParams
	case syscall.EACCES, syscall.EPERM:
		return CodePermissionDenied
	default:
		return CodeIO
	}
}

// IsCode reports whether err (or an error it wraps) carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
