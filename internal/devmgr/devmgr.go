// Package devmgr owns the set of attached devices: opening the character
// device, reading sysfs geometry and configuration, mapping the ring,
// matching a handler by subtype, and tearing everything down again in
// reverse order, whether on explicit detach or mid-attach failure.
package devmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tcmu-target/internal/constants"
	tcmuerrors "github.com/behrlich/go-tcmu-target/internal/errors"
	"github.com/behrlich/go-tcmu-target/internal/handler"
	"github.com/behrlich/go-tcmu-target/internal/logging"
	"github.com/behrlich/go-tcmu-target/internal/ring"
	"github.com/behrlich/go-tcmu-target/internal/worker"
)

// Config controls where the manager looks for devices and how it sizes
// each device's worker pool.
type Config struct {
	DevDir         string // default "/dev"
	SysfsRoot      string // default "/sys/class/uio"
	ServerName     string // the "<srv>" component of "tcm-user+<srv>/"
	WorkersPerDev  int
	WorkerQueueLen int
}

// Device is one attached logical unit.
type Device struct {
	Name       string
	fd         int
	Region     []byte
	ConfigStr  string
	Handler    *handler.Handler
	State      any
	Ring       ring.Ring
	Workers    *worker.Pool
	Info       *handler.DeviceInfo
}

// Manager owns the live device set. All mutation happens from the event
// loop goroutine; no lock is needed for that reason, per spec.md §4.6.
type Manager struct {
	cfg      Config
	registry *handler.Registry
	logger   *logging.Logger

	devices map[string]*Device
}

// New returns a Manager bound to registry, which must already be sealed.
func New(cfg Config, registry *handler.Registry, logger *logging.Logger) *Manager {
	if cfg.DevDir == "" {
		cfg.DevDir = constants.DevDir
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = constants.UIOSysClass
	}
	if cfg.WorkersPerDev <= 0 {
		cfg.WorkersPerDev = constants.DefaultWorkersPerDevice
	}
	if cfg.WorkerQueueLen <= 0 {
		cfg.WorkerQueueLen = constants.DefaultWorkerQueueDepth
	}
	return &Manager{cfg: cfg, registry: registry, logger: logger, devices: make(map[string]*Device)}
}

// Devices returns the currently attached device set, keyed by name. The
// caller must not mutate the returned map; it's owned by the Manager.
func (m *Manager) Devices() map[string]*Device {
	return m.devices
}

// Get returns the device with the given name, if attached.
func (m *Manager) Get(name string) (*Device, bool) {
	d, ok := m.devices[name]
	return d, ok
}

func (m *Manager) sysfsAttr(name, attr string) (string, error) {
	path := filepath.Join(m.cfg.SysfsRoot, name, attr)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (m *Manager) mapSize(name string) (uint64, error) {
	s, err := m.sysfsAttrRetry(name, "maps/map0/size")
	if err != nil {
		return 0, err
	}
	// The kernel reports this as a "0x..."-prefixed hex string.
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// sysfsAttrRetry reads a sysfs attribute, retrying for a short window. An
// ADDED_DEVICE netlink notification can arrive slightly before the kernel
// finishes populating the device's sysfs tree, so Attach reads through
// this rather than sysfsAttr directly.
func (m *Manager) sysfsAttrRetry(name, attr string) (string, error) {
	deadline := time.Now().Add(constants.SysfsPollTimeout)
	for {
		v, err := m.sysfsAttr(name, attr)
		if err == nil {
			return v, nil
		}
		if time.Now().After(deadline) {
			return "", err
		}
		time.Sleep(constants.SysfsPollInterval)
	}
}

// Attach opens, maps, and configures the device named name, matching its
// handler by the subtype prefix of its configuration string. On any
// failure, resources already acquired are unwound in reverse order and the
// device is not added to the set.
func (m *Manager) Attach(name string) (err error) {
	if _, exists := m.devices[name]; exists {
		return tcmuerrors.NewDevice("attach", name, tcmuerrors.CodeInvalidParams, "already attached")
	}

	devPath := filepath.Join(m.cfg.DevDir, name)
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return tcmuerrors.Wrap("attach", name, err)
	}
	unwind := []func(){func() { unix.Close(fd) }}
	defer func() {
		if err != nil {
			for i := len(unwind) - 1; i >= 0; i-- {
				unwind[i]()
			}
		}
	}()

	size, err := m.mapSize(name)
	if err != nil {
		return tcmuerrors.Wrap("attach", name, err)
	}

	region, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return tcmuerrors.Wrap("attach", name, err)
	}
	unwind = append(unwind, func() { unix.Munmap(region) })

	cfgString, err := m.sysfsAttrRetry(name, "device/cfgstring")
	if err != nil {
		return tcmuerrors.Wrap("attach", name, err)
	}

	subtype, rest, ok := strings.Cut(cfgString, "/")
	if !ok {
		return tcmuerrors.NewDevice("attach", name, tcmuerrors.CodeInvalidParams, fmt.Sprintf("malformed cfgstring %q", cfgString))
	}

	h, ok := m.registry.Lookup(subtype)
	if !ok {
		return tcmuerrors.NewDevice("attach", name, tcmuerrors.CodeUnknownSubtype, fmt.Sprintf("no handler for subtype %q", subtype))
	}
	if h.CheckConfig != nil {
		if err := h.CheckConfig(rest); err != nil {
			return tcmuerrors.NewDevice("attach", name, tcmuerrors.CodeInvalidParams, err.Error())
		}
	}

	info := &handler.DeviceInfo{
		Name:       name,
		ConfigRest: rest,
		Region:     region,
	}

	state, err := h.Open(info)
	if err != nil {
		return tcmuerrors.NewDevice("attach", name, tcmuerrors.CodeDeviceFatal, err.Error())
	}
	unwind = append(unwind, func() { h.Close(info, state) })

	r := ring.New(region, fd, m.logger)
	pool := worker.NewPool(m.cfg.WorkersPerDev, m.cfg.WorkerQueueLen, r, m.logger)
	unwind = append(unwind, func() { pool.Shutdown() })

	m.devices[name] = &Device{
		Name:      name,
		fd:        fd,
		Region:    region,
		ConfigStr: cfgString,
		Handler:   h,
		State:     state,
		Ring:      r,
		Workers:   pool,
		Info:      info,
	}

	if m.logger != nil {
		m.logger.Info("attached device", "name", name, "subtype", subtype, "size", size)
	}
	return nil
}

// Detach tears a device down in the reverse order of Attach: join workers,
// close the handler, unmap, close the fd, then remove it from the set.
// Detaching a name that isn't present is logged and ignored.
func (m *Manager) Detach(name string) error {
	d, ok := m.devices[name]
	if !ok {
		if m.logger != nil {
			m.logger.Warn("detach: device not attached", "name", name)
		}
		return nil
	}
	delete(m.devices, name)

	d.Workers.Shutdown()
	d.Handler.Close(d.Info, d.State)
	if err := unix.Munmap(d.Region); err != nil && m.logger != nil {
		m.logger.Error("detach: munmap failed", "name", name, "error", err)
	}
	if err := unix.Close(d.fd); err != nil && m.logger != nil {
		m.logger.Error("detach: close failed", "name", name, "error", err)
	}

	if m.logger != nil {
		m.logger.Info("detached device", "name", name)
	}
	return nil
}

// FDs returns every attached device's fd, for the event loop's poll set.
func (m *Manager) FDs() map[string]int {
	out := make(map[string]int, len(m.devices))
	for name, d := range m.devices {
		out[name] = d.fd
	}
	return out
}

// Scan enumerates the device directory for uio* entries whose sysfs name
// begins with "tcm-user+<srv>/" and attaches each one. Used at startup to
// pick up devices that already existed before the event loop began.
func (m *Manager) Scan() error {
	entries, err := os.ReadDir(m.cfg.DevDir)
	if err != nil {
		return tcmuerrors.New("scan", tcmuerrors.CodeSetupFatal, err.Error())
	}

	prefix := fmt.Sprintf("tcm-user+%s/", m.cfg.ServerName)
	var attachErrs []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "uio") {
			continue
		}
		sysfsName, err := m.sysfsAttr(name, "name")
		if err != nil {
			continue
		}
		if !strings.HasPrefix(sysfsName, prefix) {
			continue
		}
		if err := m.Attach(name); err != nil {
			attachErrs = append(attachErrs, err.Error())
			if m.logger != nil {
				m.logger.Error("scan: attach failed", "name", name, "error", err)
			}
		}
	}
	if len(attachErrs) > 0 {
		return fmt.Errorf("scan: %d device(s) failed to attach: %s", len(attachErrs), strings.Join(attachErrs, "; "))
	}
	return nil
}
