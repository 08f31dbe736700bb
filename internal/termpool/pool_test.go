package termpool

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoOnce reads one byte and writes it back, reporting true so the
// connection stays in the pool for further RPCs.
func echoOnce(conn net.Conn) bool {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return false
	}
	if _, err := conn.Write(buf); err != nil {
		return false
	}
	return true
}

func TestServesSequentialRPCsOnOneSocket(t *testing.T) {
	p, err := New("127.0.0.1:0", 4, 10*time.Millisecond, time.Second, echoOnce)
	require.NoError(t, err)
	defer p.Close()

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		_, err := conn.Write([]byte{byte('a' + i)})
		require.NoError(t, err)
		buf := make([]byte, 1)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, byte('a'+i), buf[0])
	}
}

func TestIdleConnectionIsReclaimed(t *testing.T) {
	p, err := New("127.0.0.1:0", 4, 5*time.Millisecond, 30*time.Millisecond, echoOnce)
	require.NoError(t, err)
	defer p.Close()

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Never send anything; the pool should close it once idle.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err) // EOF once the server closes the idle socket
}

func TestCloseWaitsForBusyAndClosesSockets(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := func(conn net.Conn) bool {
		close(started)
		<-release
		return false
	}

	p, err := New("127.0.0.1:0", 4, 5*time.Millisecond, time.Second, blocking)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{1})
	require.NoError(t, err)

	<-started

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the busy worker finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the busy worker finished")
	}
}

func TestBoundedConcurrency(t *testing.T) {
	const maxConcurrent = 2
	inflight := make(chan struct{}, 10)
	release := make(chan struct{})
	track := func(conn net.Conn) bool {
		inflight <- struct{}{}
		<-release
		<-inflight
		return false
	}

	p, err := New("127.0.0.1:0", maxConcurrent, 5*time.Millisecond, time.Second, track)
	require.NoError(t, err)
	defer func() {
		close(release)
		p.Close()
	}()

	var conns []net.Conn
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", p.Addr().String())
		require.NoError(t, err)
		conns = append(conns, c)
		defer c.Close()
		_, err = c.Write([]byte{1})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(inflight) == maxConcurrent
	}, time.Second, 5*time.Millisecond)

	// Give extra time to be sure it never exceeds the bound.
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, len(inflight), maxConcurrent)
}
