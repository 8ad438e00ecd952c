// Package eventloop implements the single-threaded readiness loop: poll
// the netlink fd and every attached device's fd, and dispatch whichever
// become readable. The device set is owned exclusively by this loop, so no
// lock is needed between it and the device manager (spec.md §4.6).
package eventloop

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tcmu-target/internal/devmgr"
	"github.com/behrlich/go-tcmu-target/internal/logging"
	"github.com/behrlich/go-tcmu-target/internal/netlink"
	"github.com/behrlich/go-tcmu-target/internal/ring"
	"github.com/behrlich/go-tcmu-target/internal/scsi"
	"github.com/behrlich/go-tcmu-target/internal/uapi"
	"github.com/behrlich/go-tcmu-target/internal/worker"
)

// Responder answers control-plane opcodes synchronously and decides
// whether a data-plane opcode should be dispatched to the device's
// handler. It is the bridge between the ring layer's raw CDB bytes and the
// scsi package's opcode responders. iovs is the command's resolved data
// area (data-out for MODE SELECT, otherwise unused by control-plane
// opcodes); data, when non-nil, is scattered into iovs by the caller
// before the response status is recorded.
type Responder func(dev *devmgr.Device, cdbBytes []byte, iovs [][]byte) (resp scsi.Response, data []byte, toHandler bool)

// Loop owns the poll set and drives devices via the device manager.
type Loop struct {
	nl      *netlink.Client
	mgr     *devmgr.Manager
	respond Responder
	logger  *logging.Logger
	stopFD  int

	// stopping is set by Stop() from whatever goroutine calls it (typically
	// the ctx-cancellation watcher in runtime.go) and read by Run()'s own
	// goroutine every time it wakes from poll(2); it has to be an
	// atomic.Bool rather than a plain bool to be race-free across that pair.
	stopping atomic.Bool
}

// New builds a Loop bound to an already-dialed netlink client and an
// already-populated device manager.
func New(nl *netlink.Client, mgr *devmgr.Manager, respond Responder, logger *logging.Logger) *Loop {
	return &Loop{nl: nl, mgr: mgr, respond: respond, logger: logger, stopFD: -1}
}

// Stop requests the loop exit at its next wakeup. Run blocks in poll(2)
// indefinitely, so Stop also writes to the eventfd Run placed in the poll
// set, purely to wake it; if Run has not created that eventfd yet, Stop
// only sets the flag. The stop condition itself is the stopping flag,
// checked once poll returns.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	if l.stopFD < 0 {
		return
	}
	var one [8]byte
	one[0] = 1
	unix.Write(l.stopFD, one[:])
}

// Run polls indefinitely until Stop is called or an unrecoverable error
// occurs building the poll set.
func (l *Loop) Run() error {
	nlFD, err := l.nl.FD()
	if err != nil {
		return fmt.Errorf("eventloop: netlink fd: %w", err)
	}

	stopFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("eventloop: stop eventfd: %w", err)
	}
	l.stopFD = stopFD
	defer unix.Close(stopFD)

	for !l.stopping.Load() {
		devFDs := l.mgr.FDs()
		fds := make([]unix.PollFd, 0, 2+len(devFDs))
		fds = append(fds, unix.PollFd{Fd: int32(nlFD), Events: unix.POLLIN})
		fds = append(fds, unix.PollFd{Fd: int32(stopFD), Events: unix.POLLIN})

		names := make([]string, 0, len(devFDs))
		for name, fd := range devFDs {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			names = append(names, name)
		}

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			l.handleNetlink()
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			continue // stopping flag is rechecked by the loop condition
		}
		for i, name := range names {
			if fds[i+2].Revents&unix.POLLIN != 0 {
				l.handleDevice(name)
			}
		}
	}
	return nil
}

func (l *Loop) handleNetlink() {
	ev, err := l.nl.ReceiveOne()
	if err != nil {
		if l.logger != nil {
			l.logger.Error("eventloop: netlink receive failed", "error", err)
		}
		return
	}
	if ev == nil {
		return
	}
	if ev.Added {
		if err := l.mgr.Attach(ev.Name); err != nil && l.logger != nil {
			l.logger.Error("eventloop: attach failed", "name", ev.Name, "error", err)
		}
	} else {
		if err := l.mgr.Detach(ev.Name); err != nil && l.logger != nil {
			l.logger.Error("eventloop: detach failed", "name", ev.Name, "error", err)
		}
	}
}

func (l *Loop) handleDevice(name string) {
	dev, ok := l.mgr.Get(name)
	if !ok {
		return
	}

	err := dev.Ring.Drain(func(entry *uapi.CmdEntry, cdbBytes []byte) ring.Outcome {
		iovs, err := uapi.ResolveIOVs(dev.Region, entry)
		if err != nil {
			medium := scsi.MediumError(uapi.AscReadError)
			return ring.Outcome{Status: medium.Status, Sense: medium.Sense}
		}

		resp, data, toHandler := l.respond(dev, cdbBytes, iovs)
		if !toHandler {
			if len(data) > 0 {
				uapi.CopyToIOVs(iovs, data)
			}
			return ring.Outcome{Status: resp.Status, Sense: resp.Sense}
		}

		if submitErr := dev.Workers.Submit(&worker.Job{
			RingOffset: entry.RingOffset,
			Handler:    dev.Handler,
			Device:     dev.Info,
			State:      dev.State,
			CDB:        cdbBytes,
			IOVs:       iovs,
		}); submitErr != nil {
			medium := scsi.MediumError(uapi.AscReadError)
			return ring.Outcome{Status: medium.Status, Sense: medium.Sense}
		}
		return ring.Outcome{Async: true}
	})
	if err != nil {
		if l.logger != nil {
			l.logger.Error("eventloop: device fault, tearing down", "name", name, "error", err)
		}
		l.mgr.Detach(name)
	}
}

