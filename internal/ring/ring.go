// Package ring implements the mailbox/command-ring protocol: walking the
// kernel-populated ring starting at cmd_tail, dispatching each OP_CMD entry,
// and advancing cmd_tail only contiguously from the oldest still-incomplete
// entry once its completion has been written (spec invariant, resolving the
// ring's one open question about out-of-order completion).
package ring

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tcmu-target/internal/cdb"
	"github.com/behrlich/go-tcmu-target/internal/logging"
	"github.com/behrlich/go-tcmu-target/internal/uapi"
)

// Outcome is what a Dispatcher returns for one OP_CMD entry.
type Outcome struct {
	// Async is true when the command's completion will arrive later via
	// Ring.Complete, instead of being known synchronously.
	Async bool

	// Status and Sense are meaningful only when Async is false.
	Status uint8
	Sense  []byte
}

// Dispatcher decides how to handle one parsed command-ring entry. cdbBytes
// is sized exactly to the CDB's form; when the opcode maps to no known
// form, it holds only the opcode byte.
type Dispatcher func(entry *uapi.CmdEntry, cdbBytes []byte) Outcome

// Ring walks one device's mailbox and command ring.
type Ring interface {
	// Drain reads every entry currently between cmd_tail and cmd_head,
	// dispatches each, and advances cmd_tail as far as completions allow.
	Drain(dispatch Dispatcher) error

	// Complete records an asynchronous command's result. If it unblocks a
	// contiguous run at the front of the pending queue, cmd_tail advances
	// and the kernel is woken exactly once.
	Complete(ringOffset uint64, status uint8, sense []byte) error
}

type pendingEntry struct {
	ringOffset uint64
	totalLen   uint64
	isPad      bool
	entry      *uapi.CmdEntry
	done       bool
	status     uint8
	sense      []byte
}

type mappedRing struct {
	region []byte
	fd     int
	logger *logging.Logger

	mu      sync.Mutex
	pending []*pendingEntry
}

// New wraps a mapped device region and its fd (used to write the 4-byte
// kernel wake signal) in a Ring.
func New(region []byte, fd int, logger *logging.Logger) Ring {
	return &mappedRing{region: region, fd: fd, logger: logger}
}

func (r *mappedRing) Drain(dispatch Dispatcher) error {
	mb, err := uapi.ReadMailbox(r.region)
	if err != nil {
		return fmt.Errorf("ring: read mailbox: %w", err)
	}
	cmdrBase := uint64(mb.CmdrOff)
	cmdrSize := uint64(mb.CmdrSize)
	if cmdrSize == 0 {
		return fmt.Errorf("ring: mailbox reports zero-size command ring")
	}

	pos := mb.CmdTail
	for pos != mb.CmdHead {
		absOff := cmdrBase + pos
		hdr, err := uapi.ReadEntryHeader(r.region, absOff)
		if err != nil {
			return fmt.Errorf("ring: entry header at ring offset %d: %w", pos, err)
		}
		if hdr.Length == 0 || hdr.Length%8 != 0 {
			return fmt.Errorf("ring: entry at ring offset %d has invalid length %d", pos, hdr.Length)
		}

		switch hdr.Opcode {
		case uapi.OpPad:
			r.mu.Lock()
			r.pending = append(r.pending, &pendingEntry{
				ringOffset: pos,
				totalLen:   uint64(hdr.Length),
				isPad:      true,
				done:       true,
			})
			r.mu.Unlock()

		case uapi.OpCmd:
			bodyOff := absOff + uapi.EntryHeaderSize
			entry, err := uapi.ParseCmdEntry(r.region, hdr, pos, bodyOff)
			if err != nil {
				return fmt.Errorf("ring: parse entry at ring offset %d: %w", pos, err)
			}
			if err := entry.Validate(uint64(len(r.region))); err != nil {
				return fmt.Errorf("ring: validate entry at ring offset %d: %w", pos, err)
			}

			opcodeByte, err := uapi.ReadCDB(r.region, entry, 1)
			if err != nil {
				return fmt.Errorf("ring: read cdb opcode at ring offset %d: %w", pos, err)
			}
			cdbLen, err := cdb.Len(opcodeByte)
			if err != nil {
				// Unknown CDB form: can't size the read, so fail the
				// command alone rather than the whole ring.
				r.recordSync(pos, uint64(hdr.Length), entry, dispatch(entry, opcodeByte))
				pos = (pos + uint64(hdr.Length)) % cmdrSize
				continue
			}
			cdbBytes, err := uapi.ReadCDB(r.region, entry, cdbLen)
			if err != nil {
				return fmt.Errorf("ring: read cdb at ring offset %d: %w", pos, err)
			}

			outcome := dispatch(entry, cdbBytes)
			if outcome.Async {
				r.mu.Lock()
				r.pending = append(r.pending, &pendingEntry{
					ringOffset: pos,
					totalLen:   uint64(hdr.Length),
					entry:      entry,
				})
				r.mu.Unlock()
			} else {
				r.recordSync(pos, uint64(hdr.Length), entry, outcome)
			}

		default:
			return fmt.Errorf("ring: unknown entry opcode %d at ring offset %d", hdr.Opcode, pos)
		}

		pos = (pos + uint64(hdr.Length)) % cmdrSize
	}

	return r.tryAdvanceTail()
}

func (r *mappedRing) recordSync(ringOffset, totalLen uint64, entry *uapi.CmdEntry, outcome Outcome) {
	r.mu.Lock()
	r.pending = append(r.pending, &pendingEntry{
		ringOffset: ringOffset,
		totalLen:   totalLen,
		entry:      entry,
		done:       true,
		status:     outcome.Status,
		sense:      outcome.Sense,
	})
	r.mu.Unlock()
}

func (r *mappedRing) Complete(ringOffset uint64, status uint8, sense []byte) error {
	r.mu.Lock()
	found := false
	for _, p := range r.pending {
		if p.ringOffset == ringOffset && !p.isPad {
			p.done = true
			p.status = status
			p.sense = sense
			found = true
			break
		}
	}
	r.mu.Unlock()
	if !found {
		return fmt.Errorf("ring: complete: no pending entry at ring offset %d", ringOffset)
	}
	return r.tryAdvanceTail()
}

// tryAdvanceTail pops a contiguous run of completed entries from the front
// of the pending queue, writes each command-entry's completion fields, and
// advances cmd_tail past them. It makes exactly one 4-byte kernel-wake
// write if any entry advanced, none otherwise.
func (r *mappedRing) tryAdvanceTail() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, err := uapi.ReadMailbox(r.region)
	if err != nil {
		return fmt.Errorf("ring: read mailbox: %w", err)
	}
	tail := mb.CmdTail
	cmdrSize := uint64(mb.CmdrSize)

	advanced := false
	i := 0
	for i < len(r.pending) {
		p := r.pending[i]
		if !p.done {
			break
		}
		if !p.isPad {
			if err := uapi.WriteCompletion(r.region, p.entry, p.status, p.sense); err != nil {
				return fmt.Errorf("ring: write completion at ring offset %d: %w", p.ringOffset, err)
			}
		}
		tail = (p.ringOffset + p.totalLen) % cmdrSize
		advanced = true
		i++
	}
	r.pending = r.pending[i:]

	if !advanced {
		return nil
	}
	if err := uapi.WriteCmdTail(r.region, tail); err != nil {
		return fmt.Errorf("ring: write cmd_tail: %w", err)
	}
	if _, err := unix.Write(r.fd, []byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("ring: wake kernel: %w", err)
	}
	if r.logger != nil {
		r.logger.Debug("advanced cmd_tail", "tail", tail)
	}
	return nil
}
