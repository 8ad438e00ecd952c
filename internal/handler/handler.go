// Package handler defines the pluggable backend contract (spec.md's
// "Handler module") and the subtype-keyed registry devices are matched
// against when they're attached.
package handler

import (
	"fmt"
	"sync"
)

// DeviceInfo is the read-only view of an attached device a Handler's
// callbacks operate against: geometry, its mapped region, and the
// configuration string it was attached with.
type DeviceInfo struct {
	Name       string
	ConfigRest string // the handler-specific remainder of the cfgstring, after "<subtype>/"
	Region     []byte
	BlockSize  uint32
	NumBlocks  uint64
}

// ResultKind is the outcome of a Submit call.
type ResultKind int

const (
	// NotHandled means the runtime should synthesize an invalid-opcode
	// sense response.
	NotHandled ResultKind = iota
	// HandledSync means Status/Sense in the returned Result are final.
	HandledSync
	// HandledAsync means completion will arrive later, out of band
	// (the handler is expected to call back into the device's worker).
	HandledAsync
)

// Result is what Submit returns for one dispatched command.
type Result struct {
	Kind   ResultKind
	Status uint8
	Sense  []byte
}

// Handler is one pluggable backend module, selected by the subtype prefix
// of a device's configuration string (e.g. "file" in "file/var/lib/x.img").
type Handler struct {
	// Name is a human-readable label used in logs.
	Name string

	// Subtype is the registry key, matched against the leading component
	// of a device's cfgstring.
	Subtype string

	// CheckConfig validates the handler-specific remainder of the
	// cfgstring before Open is called. Optional: nil skips validation.
	CheckConfig func(configRest string) error

	// Open performs per-device setup and returns opaque handler state
	// threaded through Close and Submit.
	Open func(dev *DeviceInfo) (state any, err error)

	// Close performs per-device teardown. Only called if Open succeeded.
	Close func(dev *DeviceInfo, state any)

	// Submit handles one command-ring entry's CDB. Control-plane opcodes
	// are answered by the runtime itself before reaching here; only
	// data-plane opcodes (READ/WRITE) and anything handler-specific
	// arrive at Submit. When Submit returns HandledAsync, it must call
	// complete exactly once, later, with the final status/sense; complete
	// is not valid to call when Submit itself returns HandledSync.
	Submit func(dev *DeviceInfo, state any, cdbBytes []byte, iovs [][]byte, complete func(status uint8, sense []byte)) Result
}

// Registry holds the set of registered handlers, keyed by subtype. It is
// built once at startup and sealed before the event loop starts; every
// method, Lookup included, takes the registry's mutex.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]*Handler
	sealed   bool
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register adds a handler under its subtype. It is an error to register
// after the registry is sealed, to register a nil/unnamed handler, or to
// register a duplicate subtype.
func (r *Registry) Register(h *Handler) error {
	if h == nil {
		return fmt.Errorf("handler: cannot register a nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("handler: registry sealed, cannot register %q", h.Subtype)
	}
	if h.Subtype == "" {
		return fmt.Errorf("handler: subtype must not be empty")
	}
	if _, exists := r.handlers[h.Subtype]; exists {
		return fmt.Errorf("handler: duplicate subtype %q", h.Subtype)
	}
	r.handlers[h.Subtype] = h
	return nil
}

// Seal prevents further registration. Lookup is safe to call concurrently
// from the event loop goroutine and any worker.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the handler registered for subtype, if any.
func (r *Registry) Lookup(subtype string) (*Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[subtype]
	return h, ok
}
