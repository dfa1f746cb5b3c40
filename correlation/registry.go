// Package correlation turns an asynchronous reply into a synchronous-looking call.
//
// Every outstanding call is an Entry keyed by its serial number. The caller blocks in
// Await on the entry's single-slot channel. Whoever reaches the entry first wins (a
// matching reply, Interrupt, a timeout or the death of the governing connection), and
// every later attempt is a no-op:
//
//	caller:  Issue(msg) ──► send ──► Await(entry, timeout) ◄──┐
//	                                                         │ one of
//	reader:  Resolve(sn, reply) ─────────────────────────────┤
//	other:   Interrupt(sn) / Invalidate(session) / timeout ──┘
//
// The registry keeps no connection state of its own, so the same mechanism serves
// in-process and cross-node calls.
package correlation

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-relay/message"
)

// ErrCorrelationCollision is returned by Issue when the serial number is already pending.
var ErrCorrelationCollision = errors.New("correlation collision")

// Interrupted is the sentinel reply delivered to a waiter by Interrupt.
var Interrupted = &message.Message{
	Action: "interrupted",
	Params: message.NewParams().Set(message.KeyCode, message.CodeInterrupted),
}

// IsInterrupted reports whether m is the Interrupt sentinel.
func IsInterrupted(m *message.Message) bool {
	return m == Interrupted
}

// Entry is one outstanding synchronous call.
type Entry struct {
	Serial    uint64
	CreatedAt time.Time

	session uint64                // governing connection, 0 if none
	done    atomic.Bool           // set by the single winner
	ch      chan *message.Message // single slot, written once by the winner
	result  *message.Message
}

// Result returns the reply the entry was resolved with, nil while pending or on failure.
func (e *Entry) Result() *message.Message {
	if !e.done.Load() {
		return nil
	}
	return e.result
}

// claim makes the caller the single winner for this entry.
func (e *Entry) claim() bool {
	return e.done.CompareAndSwap(false, true)
}

// Stats counts terminal events, to help tell late replies from genuine routing bugs.
type Stats struct {
	Issued      uint64
	Resolved    uint64
	TimedOut    uint64
	Interrupted uint64
	Invalidated uint64
	Stale       uint64
}

// Registry maps outstanding serial numbers to entries. All methods are safe for
// concurrent use.
type Registry struct {
	pending sync.Map // map[uint64]*Entry
	log     *zap.Logger

	seq atomic.Uint64

	issued      atomic.Uint64
	resolved    atomic.Uint64
	timedOut    atomic.Uint64
	interrupted atomic.Uint64
	invalidated atomic.Uint64
	stale       atomic.Uint64
}

// New creates an empty registry. log may be nil.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{log: log.Named("correlation")}
	// Start generated serials from the clock so restarts do not reuse recent ones.
	r.seq.Store(uint64(time.Now().UnixNano()))
	return r
}

// NextSerial returns a fresh serial number, never 0.
func (r *Registry) NextSerial() uint64 {
	for {
		if sn := r.seq.Add(1); sn != 0 {
			return sn
		}
	}
}

// Issue registers a pending call for msg, stamping msg.Serial if it is 0.
// It must be called before msg is sent.
func (r *Registry) Issue(msg *message.Message) (*Entry, error) {
	return r.IssueOn(msg, 0)
}

// IssueOn is Issue with the entry bound to a connection session, so that Invalidate
// can fail it as soon as that connection dies.
func (r *Registry) IssueOn(msg *message.Message, session uint64) (*Entry, error) {
	if msg.Serial == 0 {
		msg.Serial = r.NextSerial()
	}
	e := &Entry{
		Serial:    msg.Serial,
		CreatedAt: time.Now(),
		session:   session,
		ch:        make(chan *message.Message, 1), // buffered so the winner never blocks
	}
	if _, loaded := r.pending.LoadOrStore(e.Serial, e); loaded {
		r.log.Error("serial already pending", zap.Uint64("sn", e.Serial))
		return nil, ErrCorrelationCollision
	}
	r.issued.Add(1)
	return e, nil
}

// Await blocks until the entry is resolved or timeout elapses. It returns the reply,
// Interrupted after Interrupt, or nil on timeout or connection loss. The entry is
// always removed from the registry when Await returns.
func (r *Registry) Await(e *Entry, timeout time.Duration) *message.Message {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-e.ch:
		return m
	case <-timer.C:
	}

	if e.claim() {
		r.pending.CompareAndDelete(e.Serial, e)
		r.timedOut.Add(1)
		r.log.Debug("call timed out", zap.Uint64("sn", e.Serial), zap.Duration("timeout", timeout))
		return nil
	}
	// Lost the race to a resolver that is about to fill the slot.
	return <-e.ch
}

// Resolve delivers reply to the waiter of serial. It returns false, and drops the
// reply, when nothing is pending under serial (late or duplicate reply) or the entry
// has already been resolved.
func (r *Registry) Resolve(serial uint64, reply *message.Message) bool {
	v, ok := r.pending.Load(serial)
	if !ok {
		r.stale.Add(1)
		r.log.Debug("stale reply dropped", zap.Uint64("sn", serial))
		return false
	}
	e := v.(*Entry)
	if !r.finish(e, reply) {
		r.stale.Add(1)
		r.log.Debug("duplicate reply dropped", zap.Uint64("sn", serial))
		return false
	}
	r.resolved.Add(1)
	return true
}

// Interrupt wakes the waiter of serial with the Interrupted sentinel. The remote side
// is not told; its eventual reply becomes a stale no-op.
func (r *Registry) Interrupt(serial uint64) bool {
	v, ok := r.pending.Load(serial)
	if !ok {
		return false
	}
	if !r.finish(v.(*Entry), Interrupted) {
		return false
	}
	r.interrupted.Add(1)
	return true
}

// Cancel fails the waiter of serial with a nil result, for a call whose request could
// not be sent.
func (r *Registry) Cancel(serial uint64) bool {
	v, ok := r.pending.Load(serial)
	if !ok {
		return false
	}
	return r.finish(v.(*Entry), nil)
}

// Invalidate fails every entry bound to session with a nil result and returns how many
// were pending. Called when the governing connection closes.
func (r *Registry) Invalidate(session uint64) int {
	if session == 0 {
		return 0
	}
	n := 0
	r.pending.Range(func(_, v any) bool {
		e := v.(*Entry)
		if e.session == session && r.finish(e, nil) {
			n++
		}
		return true
	})
	if n > 0 {
		r.invalidated.Add(uint64(n))
		r.log.Debug("pending calls failed by closed connection", zap.Uint64("session", session), zap.Int("count", n))
	}
	return n
}

// Close interrupts every pending call.
func (r *Registry) Close() {
	r.pending.Range(func(k, _ any) bool {
		r.Interrupt(k.(uint64))
		return true
	})
}

// Pending returns the number of outstanding entries.
func (r *Registry) Pending() int {
	n := 0
	r.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns a snapshot of the terminal event counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Issued:      r.issued.Load(),
		Resolved:    r.resolved.Load(),
		TimedOut:    r.timedOut.Load(),
		Interrupted: r.interrupted.Load(),
		Invalidated: r.invalidated.Load(),
		Stale:       r.stale.Load(),
	}
}

// finish claims e, removes it and fills the slot. Only one caller per entry succeeds.
func (r *Registry) finish(e *Entry, m *message.Message) bool {
	if !e.claim() {
		return false
	}
	e.result = m
	r.pending.CompareAndDelete(e.Serial, e)
	e.ch <- m
	return true
}
