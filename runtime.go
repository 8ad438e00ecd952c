// Package tcmutarget is the public API of a userspace SCSI target runtime
// driven by a kernel TCMU-style command ring: it owns the handler registry,
// the set of attached devices, the generic-netlink device-change intake,
// and the single-threaded event loop tying them together.
package tcmutarget

import (
	"context"
	"fmt"
	"time"

	"github.com/behrlich/go-tcmu-target/internal/cdb"
	"github.com/behrlich/go-tcmu-target/internal/devmgr"
	"github.com/behrlich/go-tcmu-target/internal/eventloop"
	"github.com/behrlich/go-tcmu-target/internal/handler"
	"github.com/behrlich/go-tcmu-target/internal/logging"
	"github.com/behrlich/go-tcmu-target/internal/netlink"
	"github.com/behrlich/go-tcmu-target/internal/scsi"
	"github.com/behrlich/go-tcmu-target/internal/uapi"
)

// Handler is a pluggable backend module; see internal/handler for the full
// contract (Open/Close/Submit) a handler implements.
type Handler = handler.Handler

// Config controls where the runtime looks for devices, how big each
// device's worker pool is, and which handlers it knows about.
type Config struct {
	DevDir         string // device node directory, default "/dev"
	SysfsRoot      string // uio class sysfs root, default "/sys/class/uio"
	ServerName     string // the "<srv>" component of "tcm-user+<srv>/"
	WorkersPerDev  int
	WorkerQueueLen int
	Info           scsi.Info // INQUIRY vendor/product identification
	Logger         *logging.Logger

	handlers []*Handler
}

// RegisterHandler adds h to cfg's handler set. It must be called before
// NewRuntime; registering two handlers under the same subtype is an error.
func RegisterHandler(cfg *Config, h *Handler) error {
	if h == nil || h.Subtype == "" {
		return fmt.Errorf("tcmutarget: handler must have a non-empty subtype")
	}
	for _, existing := range cfg.handlers {
		if existing.Subtype == h.Subtype {
			return fmt.Errorf("tcmutarget: duplicate handler subtype %q", h.Subtype)
		}
	}
	cfg.handlers = append(cfg.handlers, h)
	return nil
}

// Runtime is a running (or ready-to-run) target: a sealed handler registry,
// an attached device set, a netlink intake, and the event loop that drives
// both. Build one with NewRuntime, then call Run.
type Runtime struct {
	cfg      Config
	registry *handler.Registry
	mgr      *devmgr.Manager
	nl       *netlink.Client
	loop     *eventloop.Loop
	logger   *logging.Logger
	metrics  map[string]*Metrics
}

// NewRuntime registers cfg's handlers, joins the TCM-USER netlink family,
// and scans for devices already present, but does not yet run the event
// loop — call Run for that. Any failure here is setup-fatal.
func NewRuntime(cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Info == (scsi.Info{}) {
		cfg.Info = scsi.DefaultInfo
	}

	registry := handler.NewRegistry()
	for _, h := range cfg.handlers {
		if err := registry.Register(h); err != nil {
			return nil, fmt.Errorf("tcmutarget: %w", err)
		}
	}
	registry.Seal()

	mgr := devmgr.New(devmgr.Config{
		DevDir:         cfg.DevDir,
		SysfsRoot:      cfg.SysfsRoot,
		ServerName:     cfg.ServerName,
		WorkersPerDev:  cfg.WorkersPerDev,
		WorkerQueueLen: cfg.WorkerQueueLen,
	}, registry, logger)

	if err := mgr.Scan(); err != nil {
		logger.Warn("runtime: initial scan reported failures", "error", err)
	}

	nl, err := netlink.Dial(logger)
	if err != nil {
		return nil, fmt.Errorf("tcmutarget: %w", err)
	}

	rt := &Runtime{
		cfg:      cfg,
		registry: registry,
		mgr:      mgr,
		nl:       nl,
		logger:   logger,
		metrics:  make(map[string]*Metrics),
	}
	rt.loop = eventloop.New(nl, mgr, rt.respond, logger)
	return rt, nil
}

// Run drives the event loop until ctx is cancelled or the loop hits a
// setup-fatal error building its poll set. It always leaves netlink closed
// on return.
func (rt *Runtime) Run(ctx context.Context) error {
	defer rt.nl.Close()

	done := make(chan error, 1)
	go func() { done <- rt.loop.Run() }()

	select {
	case <-ctx.Done():
		rt.loop.Stop()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Close stops the event loop (if running) and detaches every device.
func (rt *Runtime) Close() error {
	rt.loop.Stop()
	var firstErr error
	for name := range rt.mgr.Devices() {
		if err := rt.mgr.Detach(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics returns the metrics snapshot for a device, if ObserveCompletion
// has recorded at least one command for it.
func (rt *Runtime) Metrics(deviceName string) (MetricsSnapshot, bool) {
	m, ok := rt.metrics[deviceName]
	if !ok {
		return MetricsSnapshot{}, false
	}
	return m.Snapshot(), true
}

func (rt *Runtime) metricsFor(deviceName string) *Metrics {
	m, ok := rt.metrics[deviceName]
	if !ok {
		m = NewMetrics()
		rt.metrics[deviceName] = m
	}
	return m
}

// respond answers the control-plane SCSI opcodes this runtime emulates
// directly and routes everything else (the data-plane READ/WRITE opcodes)
// to the device's handler.
func (rt *Runtime) respond(dev *devmgr.Device, cdbBytes []byte, iovs [][]byte) (scsi.Response, []byte, bool) {
	decoded, err := cdb.Decode(cdbBytes)
	if err != nil {
		return scsi.InvalidOpcode(), nil, false
	}

	geo := scsi.Geometry{BlockSize: dev.Info.BlockSize, NumBlocks: dev.Info.NumBlocks}
	const wce = true // the caching mode page always reports the write cache as enabled

	switch decoded.Opcode {
	case uapi.ScsiInquiry:
		resp, data := scsi.Inquiry(cdbBytes, rt.cfg.Info, dev.ConfigStr)
		return resp, data, false

	case uapi.ScsiTestUnitReady:
		return scsi.TestUnitReady(), nil, false

	case uapi.ScsiServiceActionIn:
		action, err := cdb.ServiceAction(cdbBytes)
		if err != nil || action != uapi.ScsiReadCapacity16 {
			return scsi.InvalidOpcode(), nil, false
		}
		resp, data := scsi.ReadCapacity16(geo)
		return resp, data, false

	case uapi.ScsiModeSense6:
		resp, data := scsi.ModeSense(cdbBytes, cdb.Form6, uint32(cdbBytes[4]), wce)
		return resp, data, false

	case uapi.ScsiModeSense10:
		resp, data := scsi.ModeSense(cdbBytes, cdb.Form10, decoded.Length, wce)
		return resp, data, false

	case uapi.ScsiModeSelect6:
		paramList := uapi.ConcatIOVs(iovs)
		return scsi.ModeSelect(cdbBytes, cdb.Form6, uint32(cdbBytes[4]), paramList, wce), nil, false

	case uapi.ScsiModeSelect10:
		paramList := uapi.ConcatIOVs(iovs)
		return scsi.ModeSelect(cdbBytes, cdb.Form10, decoded.Length, paramList, wce), nil, false

	case uapi.ScsiRead6, uapi.ScsiRead10, uapi.ScsiRead12, uapi.ScsiRead16,
		uapi.ScsiWrite6, uapi.ScsiWrite10, uapi.ScsiWrite12, uapi.ScsiWrite16:
		return scsi.Response{}, nil, true

	default:
		return scsi.InvalidOpcode(), nil, false
	}
}

// ObserveCompletion lets handlers report data-plane completions against a
// device's metrics. Nothing in the runtime or backend/file calls it; a
// device's metrics stay empty until some caller does. start is when the
// command was dispatched.
func (rt *Runtime) ObserveCompletion(deviceName string, write bool, bytes uint64, start time.Time, success bool) {
	m := rt.metricsFor(deviceName)
	latency := uint64(time.Since(start).Nanoseconds())
	if write {
		m.RecordWrite(bytes, latency, success)
	} else {
		m.RecordRead(bytes, latency, success)
	}
}
