package paxoslog

import (
	"testing"

	"github.com/kvquorum/paxosd/internal/proposal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutOfOrderFillThenSequentialApply(t *testing.T) {
	l := New()

	// Slots filled out of order, exactly as the design allows.
	l.MarkChosen(2, proposal.ID{Round: 1, Node: 0}, []byte("c"))
	l.MarkChosen(0, proposal.ID{Round: 1, Node: 0}, []byte("a"))
	l.MarkChosen(1, proposal.ID{Round: 1, Node: 0}, []byte("b"))

	assert.Equal(t, uint64(0), l.FirstNonApplied())
	l.MarkApplied(0)
	assert.Equal(t, uint64(1), l.FirstNonApplied())
	l.MarkApplied(1)
	l.MarkApplied(2)
	assert.Equal(t, uint64(3), l.FirstNonApplied())
}

func TestChosenValueIsImmutable(t *testing.T) {
	l := New()
	p1 := proposal.ID{Round: 1, Node: 0}
	p2 := proposal.ID{Round: 2, Node: 1}

	l.MarkChosen(0, p1, []byte("first"))
	l.MarkChosen(0, p2, []byte("second")) // must be ignored

	s := l.Slot(0)
	assert.Equal(t, []byte("first"), s.AcceptedValue)
	assert.True(t, s.Chosen)
}

func TestMarkAppliedRequiresChosen(t *testing.T) {
	l := New()
	assert.Panics(t, func() { l.MarkApplied(0) })
}

func TestFirstNonChosen(t *testing.T) {
	l := New()
	assert.Equal(t, uint64(0), l.FirstNonChosen())
	l.MarkChosen(0, proposal.ID{}, []byte("x"))
	assert.Equal(t, uint64(1), l.FirstNonChosen())
	l.ensure(3)
	assert.Equal(t, uint64(1), l.FirstNonChosen())
}

func TestHighestChosen(t *testing.T) {
	l := New()
	_, found := l.HighestChosen()
	assert.False(t, found)

	l.MarkChosen(4, proposal.ID{}, []byte("x"))
	idx, found := l.HighestChosen()
	require.True(t, found)
	assert.Equal(t, uint64(4), idx)
}

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{OriginNodeID: 2, RequestSeq: 7, OpBytes: []byte("push(9)")}
	got, err := DecodeEntry(EncodeEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDecodeEntryRejectsShort(t *testing.T) {
	_, err := DecodeEntry([]byte{1, 2, 3})
	assert.Error(t, err)
}
