package wire

import (
	"net"
	"testing"
	"time"

	"github.com/kvquorum/paxosd/internal/proposal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestSendRecvFixedRoundTrip(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	want := proposal.ID{Round: 7, Node: 2}
	done := make(chan error, 1)
	go func() {
		_, err := SendFixed(a, time.Now().Add(time.Second), want)
		done <- err
	}()

	var got proposal.ID
	ok, err := RecvFixed(b, time.Now().Add(time.Second), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, <-done)
	assert.Equal(t, want, got)
}

func TestSendRecvSlabRoundTrip(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	want := []byte("set(7) op payload")
	done := make(chan error, 1)
	go func() {
		_, err := SendSlab(a, time.Now().Add(time.Second), want)
		done <- err
	}()

	got, ok, err := RecvSlab(b, time.Now().Add(time.Second), MaxOpBytes)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, <-done)
	assert.Equal(t, want, got)
}

func TestRecvSlabRejectsOversizeLength(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		// Claim a 100-byte slab against a 10-byte limit; the body is never read.
		_, _ = SendSlab(a, time.Now().Add(time.Second), make([]byte, 100))
	}()

	_, _, err := RecvSlab(b, time.Now().Add(time.Second), 10)
	assert.Error(t, err)
}

func TestRecvFixedTimesOut(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	var got proposal.ID
	_, err := RecvFixed(b, time.Now().Add(10*time.Millisecond), &got)
	assert.Error(t, err)
}
