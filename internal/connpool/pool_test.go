package connpool

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNet hands out net.Pipe-backed connections and counts dials, standing
// in for a real TCP listener in unit tests.
type fakeNet struct {
	dials int32
}

func (f *fakeNet) dialer() func(string) (net.Conn, error) {
	return func(addr string) (net.Conn, error) {
		atomic.AddInt32(&f.dials, 1)
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 1)
			for {
				if _, err := server.Read(buf); err != nil {
					server.Close()
					return
				}
			}
		}()
		return client, nil
	}
}

func TestPerformDialsOnceThenReuses(t *testing.T) {
	fn := &fakeNet{}
	p := New(time.Hour, time.Hour, WithDialer(fn.dialer()))
	defer p.Close()

	ok, err := p.Perform("127.0.0.1:9001", func(c net.Conn) bool { return true })
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Perform("127.0.0.1:9001", func(c net.Conn) bool { return true })
	require.NoError(t, err)
	assert.True(t, ok)

	assert.EqualValues(t, 1, atomic.LoadInt32(&fn.dials), "second Perform should reuse the pooled socket")
}

func TestPerformClosesOnFalse(t *testing.T) {
	fn := &fakeNet{}
	p := New(time.Hour, time.Hour, WithDialer(fn.dialer()))
	defer p.Close()

	ok, err := p.Perform("127.0.0.1:9001", func(c net.Conn) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Perform("127.0.0.1:9001", func(c net.Conn) bool { return true })
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fn.dials), "a failed fn must not return the socket to the pool")
}

func TestCloseIsIdempotentAndRejectsFurtherPerform(t *testing.T) {
	fn := &fakeNet{}
	p := New(time.Hour, time.Hour, WithDialer(fn.dialer()))

	_, err := p.Perform("a", func(c net.Conn) bool { return true })
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close()) // idempotent

	_, err = p.Perform("a", func(c net.Conn) bool { return true })
	assert.Error(t, err)
}

func TestCullerReclaimsIdleSockets(t *testing.T) {
	fn := &fakeNet{}
	p := New(30*time.Millisecond, 10*time.Millisecond, WithDialer(fn.dialer()))
	defer p.Close()

	_, err := p.Perform("a", func(c net.Conn) bool { return true })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		d, ok := p.dest["a"]
		return ok && d.conns.Len() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = p.Perform("a", func(c net.Conn) bool { return true })
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fn.dials), "pool should dial fresh after reclaim")
}
