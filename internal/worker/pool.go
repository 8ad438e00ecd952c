// Package worker implements the per-device pool that executes dispatched
// commands off the single-threaded event loop: N workers, round-robin
// assignment, one bounded queue per worker for backpressure, and an
// explicit shutdown sentinel so Close can join deterministically instead
// of racing a cancellation signal against in-flight sends (spec.md's open
// question about the sample worker loop's un-joinable shutdown).
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-tcmu-target/internal/handler"
	"github.com/behrlich/go-tcmu-target/internal/logging"
	"github.com/behrlich/go-tcmu-target/internal/ring"
	"github.com/behrlich/go-tcmu-target/internal/scsi"
)

// Job is one command dispatched to a worker for handler execution.
type Job struct {
	RingOffset uint64
	Handler    *handler.Handler
	Device     *handler.DeviceInfo
	State      any
	CDB        []byte
	IOVs       [][]byte
}

// Pool owns a fixed set of workers for one device and distributes jobs to
// them round-robin. Each worker completes jobs against the device's Ring,
// so that completions and cmd_tail advancement are serialized through the
// ring's own completion mutex regardless of which worker finishes first.
type Pool struct {
	workers []*worker
	next    uint32
	wg      sync.WaitGroup
}

type worker struct {
	id     int
	queue  chan *Job
	ring   ring.Ring
	logger *logging.Logger
}

// NewPool starts n workers, each with a queue of the given depth, serving
// commands against r.
func NewPool(n, depth int, r ring.Ring, logger *logging.Logger) *Pool {
	p := &Pool{workers: make([]*worker, n)}
	for i := 0; i < n; i++ {
		w := &worker{
			id:     i,
			queue:  make(chan *Job, depth),
			ring:   r,
			logger: logger,
		}
		p.workers[i] = w
		p.wg.Add(1)
		go w.run(&p.wg)
	}
	return p
}

// Submit enqueues job onto the next worker in round-robin order. It blocks
// if that worker's queue is full (backpressure propagates to the event
// loop's dispatch call).
func (p *Pool) Submit(job *Job) error {
	if len(p.workers) == 0 {
		return fmt.Errorf("worker: pool has no workers")
	}
	idx := atomic.AddUint32(&p.next, 1) % uint32(len(p.workers))
	p.workers[idx].queue <- job
	return nil
}

// Shutdown enqueues a sentinel (nil) on every worker's queue and waits for
// all of them to exit. It is safe to call only after no further Submit
// calls will be made.
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
		w.queue <- nil
	}
	p.wg.Wait()
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range w.queue {
		if job == nil {
			return
		}
		w.process(job)
	}
}

func (w *worker) process(job *Job) {
	complete := func(status uint8, sense []byte) {
		if err := w.ring.Complete(job.RingOffset, status, sense); err != nil && w.logger != nil {
			w.logger.Error("worker: complete failed", "ring_offset", job.RingOffset, "error", err)
		}
	}

	result := job.Handler.Submit(job.Device, job.State, job.CDB, job.IOVs, complete)
	switch result.Kind {
	case handler.HandledAsync:
		// The handler owns calling complete(); nothing more to do here.
	case handler.HandledSync:
		complete(result.Status, result.Sense)
	case handler.NotHandled:
		invalid := scsi.InvalidOpcode()
		complete(invalid.Status, invalid.Sense)
	default:
		if w.logger != nil {
			w.logger.Error("worker: unknown result kind", "kind", result.Kind)
		}
		invalid := scsi.InvalidOpcode()
		complete(invalid.Status, invalid.Sense)
	}
}
