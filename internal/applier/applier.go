// Package applier implements the sequential consumer of chosen log slots:
// it decodes each entry, deduplicates by (origin, request_seq), invokes the
// embedder-supplied apply function, and wakes anyone blocked waiting for
// that entry's result.
package applier

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvquorum/paxosd/internal/metrics"
	"github.com/kvquorum/paxosd/internal/paxoslog"
)

// ApplyFunc mutates the embedder's owned data structure with one decoded
// operation and returns the result to hand back to the waiting client. This
// is the "applier function (data, op_bytes) -> result_bytes" the design
// names as a required external: the embedder closes over its own data in
// implementing it, so opBytes is all this signature needs.
type ApplyFunc func(opBytes []byte) ([]byte, error)

// LogView is the narrow slice of the Paxos Engine the Applier needs. The
// engine implements it; keeping it as an interface here (rather than the
// Applier importing the engine package) avoids a cycle and keeps the
// engine's single mutex the only lock guarding the log, exactly as the
// design specifies — Applier never takes its own lock over log state, it
// only calls back into the engine, which does.
type LogView interface {
	// NextApplicable returns the lowest index that is chosen but not yet
	// applied, or ok=false if none exists yet.
	NextApplicable() (index uint64, slot paxoslog.Slot, ok bool)
	// MarkApplied records that index has been applied.
	MarkApplied(index uint64)
}

type waiterKey struct {
	origin uint32
	seq    uint64
}

// lastApplied caches the most recent result an origin received, so a
// duplicate delivery of that same (origin, seq) — the exact request retried
// after a timeout, not a distinct later call — can be answered with the same
// bytes instead of nil, per the exactly-once contract.
type lastApplied struct {
	seq    uint64
	result []byte
}

// Applier is the sequential log consumer.
type Applier struct {
	log   LogView
	apply ApplyFunc

	highWater  map[uint32]uint64
	lastResult map[uint32]lastApplied

	waitersMu sync.Mutex
	waiters   map[waiterKey]chan []byte

	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}

	logger *zerolog.Logger
	m    *metrics.Registry
}

// New constructs an Applier over logView, calling apply for every
// newly-chosen, not-yet-applied entry in index order.
func New(logView LogView, apply ApplyFunc, opts ...Option) *Applier {
	a := &Applier{
		log:        logView,
		apply:      apply,
		highWater:  make(map[uint32]uint64),
		lastResult: make(map[uint32]lastApplied),
		waiters:    make(map[waiterKey]chan []byte),
		wake:      make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		nop := zerolog.Nop()
		a.logger = &nop
	}
	return a
}

// Option configures an Applier at construction.
type Option func(*Applier)

func WithLogger(log zerolog.Logger) Option {
	return func(a *Applier) { l := log.With().Str("component", "applier").Logger(); a.logger = &l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(a *Applier) { a.m = m }
}

// Notify wakes the Applier's scan loop; call after marking a new slot
// chosen so applied entries don't wait for the poll fallback.
func (a *Applier) Notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// RegisterWaiter arranges for ch to receive the result once (origin, seq)
// is applied. ch must be buffered by at least 1.
func (a *Applier) RegisterWaiter(origin uint32, seq uint64, ch chan []byte) {
	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()
	a.waiters[waiterKey{origin, seq}] = ch
}

// UnregisterWaiter removes a waiter that gave up (e.g. on timeout) so a
// later apply doesn't write to an abandoned channel.
func (a *Applier) UnregisterWaiter(origin uint32, seq uint64) {
	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()
	delete(a.waiters, waiterKey{origin, seq})
}

func (a *Applier) takeWaiter(origin uint32, seq uint64) (chan []byte, bool) {
	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()
	ch, ok := a.waiters[waiterKey{origin, seq}]
	if ok {
		delete(a.waiters, waiterKey{origin, seq})
	}
	return ch, ok
}

// Run scans the log sequentially until Close is called. It is meant to run
// in its own goroutine.
func (a *Applier) Run() {
	defer close(a.done)
	const pollFallback = 20 * time.Millisecond
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()
	for {
		select {
		case <-a.closing:
			return
		case <-a.wake:
		case <-ticker.C:
		}
		a.drain()
	}
}

// drain applies every currently-chosen, not-yet-applied entry in order,
// stopping at the first unchosen gap (slots are filled out of order but
// applied strictly in order).
func (a *Applier) drain() {
	for {
		select {
		case <-a.closing:
			return
		default:
		}
		idx, slot, ok := a.log.NextApplicable()
		if !ok {
			return
		}
		a.applyOne(idx, slot)
	}
}

func (a *Applier) applyOne(idx uint64, slot paxoslog.Slot) {
	entry, err := paxoslog.DecodeEntry(slot.AcceptedValue)
	if err != nil {
		a.logger.Error().Err(err).Uint64("index", idx).Msg("failed to decode chosen entry, marking applied anyway")
		a.log.MarkApplied(idx)
		return
	}

	var result []byte
	if entry.RequestSeq <= a.highWater[entry.OriginNodeID] {
		a.logger.Debug().Uint32("origin", entry.OriginNodeID).Uint64("seq", entry.RequestSeq).Msg("dropping duplicate entry")
		if cached := a.lastResult[entry.OriginNodeID]; cached.seq == entry.RequestSeq {
			result = cached.result
		}
	} else {
		result, err = a.apply(entry.OpBytes)
		if err != nil {
			a.logger.Error().Err(err).Uint64("index", idx).Msg("apply function returned an error")
		}
		a.highWater[entry.OriginNodeID] = entry.RequestSeq
		a.lastResult[entry.OriginNodeID] = lastApplied{seq: entry.RequestSeq, result: result}
	}

	a.log.MarkApplied(idx)
	if a.m != nil && a.m.LogAppliedIndex != nil {
		a.m.LogAppliedIndex.Set(float64(idx))
	}
	if ch, ok := a.takeWaiter(entry.OriginNodeID, entry.RequestSeq); ok {
		ch <- result
	}
}

// Close stops the scan loop and waits for it to exit.
func (a *Applier) Close() {
	select {
	case <-a.closing:
	default:
		close(a.closing)
	}
	<-a.done
}
