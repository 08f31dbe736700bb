// Package paxoslog implements the replicated log: an append-only indexed
// sequence of slots, each eventually chosen and then applied in order.
package paxoslog

import (
	"github.com/kvquorum/paxosd/internal/proposal"
)

// Slot is one position in the log.
type Slot struct {
	Index             uint64
	AcceptedProposal  *proposal.ID
	AcceptedValue     []byte
	Chosen            bool
	Applied           bool
}

// Entry is the opaque payload carried by a chosen value: the core never
// parses OpBytes, it only threads it through to the external applier.
// OriginNodeID/RequestSeq give the Applier exactly-once semantics.
type Entry struct {
	OriginNodeID uint32
	RequestSeq   uint64
	OpBytes      []byte
}

// Log is the engine's append-only, randomly-filled, sequentially-applied
// slot sequence. It is not safe for concurrent use on its own; callers hold
// the engine lock around every method (the log has no lock of its own,
// matching the single engine-wide mutex the design specifies).
type Log struct {
	slots []Slot
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Len returns one past the highest index ever touched (not necessarily
// chosen or applied).
func (l *Log) Len() uint64 {
	return uint64(len(l.slots))
}

// Slot returns a copy of the slot at index, allocating placeholder slots up
// to and including index if the log is shorter. This mirrors "slots are
// filled in arbitrary order" from the design: touching slot 5 before slot 2
// is expected.
func (l *Log) Slot(index uint64) Slot {
	l.ensure(index)
	return l.slots[index]
}

func (l *Log) ensure(index uint64) {
	for uint64(len(l.slots)) <= index {
		l.slots = append(l.slots, Slot{Index: uint64(len(l.slots))})
	}
}

// RecordAccepted records that value was accepted at index under proposal p,
// used by the Accept RPC handler. It never regresses a slot that is already
// chosen.
func (l *Log) RecordAccepted(index uint64, p proposal.ID, value []byte) {
	l.ensure(index)
	s := &l.slots[index]
	if s.Chosen {
		return
	}
	pCopy := p
	s.AcceptedProposal = &pCopy
	s.AcceptedValue = value
}

// MarkChosen marks the slot at index as chosen with value, under the
// invariant that accepted_value never changes once chosen. Safe to call
// more than once with the same value (idempotent); a conflicting value on
// an already-chosen slot indicates a safety violation upstream and is
// ignored here rather than silently overwritten.
func (l *Log) MarkChosen(index uint64, p proposal.ID, value []byte) {
	l.ensure(index)
	s := &l.slots[index]
	if s.Chosen {
		return
	}
	pCopy := p
	s.AcceptedProposal = &pCopy
	s.AcceptedValue = value
	s.Chosen = true
}

// MarkApplied marks the slot at index as applied. Callers must only call
// this in increasing index order, and only on chosen slots. The ordering is
// not enforced here (the Applier owns sequencing); a slot that is not yet
// chosen makes this method panic, since that would indicate a core bug
// rather than a transient condition.
func (l *Log) MarkApplied(index uint64) {
	l.ensure(index)
	s := &l.slots[index]
	if !s.Chosen {
		panic("paxoslog: MarkApplied on a slot that is not chosen")
	}
	s.Applied = true
}

// FirstNonChosen returns the lowest index not yet chosen, i.e. where the
// leader's prepare/accept sweep should begin.
func (l *Log) FirstNonChosen() uint64 {
	for i, s := range l.slots {
		if !s.Chosen {
			return uint64(i)
		}
	}
	return uint64(len(l.slots))
}

// FirstNonApplied returns the lowest index not yet applied.
func (l *Log) FirstNonApplied() uint64 {
	for i, s := range l.slots {
		if !s.Applied {
			return uint64(i)
		}
	}
	return uint64(len(l.slots))
}

// HighestChosen returns the highest chosen index and whether any slot has
// been chosen at all.
func (l *Log) HighestChosen() (uint64, bool) {
	found := false
	var highest uint64
	for i, s := range l.slots {
		if s.Chosen {
			found = true
			highest = uint64(i)
		}
	}
	return highest, found
}
