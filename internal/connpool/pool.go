// Package connpool implements the outbound Connection Pool: a per-destination
// FIFO of keep-alive sockets, reaped by a background culler, modeled on
// hashicorp-nomad's helper/pool.ConnPool (lead-thread dial throttling,
// idempotent shutdown channel, background reap loop) adapted to pool whole
// fixed-framed sockets rather than yamux-multiplexed RPC streams.
package connpool

import (
	"container/list"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"github.com/kvquorum/paxosd/internal/metrics"
	"github.com/kvquorum/paxosd/internal/xerrors"
)

// entry is one pooled socket and when it was last returned to the pool.
type entry struct {
	conn     net.Conn
	lastUsed time.Time
}

// destination holds the FIFO of pooled sockets for one address, ordered
// oldest-first (Front = oldest) so the culler can scan from the front until
// it reaches a non-expired entry.
type destination struct {
	conns *list.List // of *entry
}

// Pool is the outbound Connection Pool.
type Pool struct {
	mu   deadlock.Mutex
	dest map[string]*destination

	// limiter throttles concurrent dials to the same address: the first
	// goroutine to miss the pool for an address becomes the lead dialer,
	// everyone else waits on its channel.
	limiter map[string]chan struct{}

	dial         func(addr string) (net.Conn, error)
	idleThresh   time.Duration
	cullInterval time.Duration

	log *zerolog.Logger
	m   *metrics.Registry

	shutdownCh chan struct{}
	shutdown   bool
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithDialer overrides the default net.DialTimeout-based dialer (used in
// tests to inject net.Pipe or a fake unreliable network).
func WithDialer(dial func(addr string) (net.Conn, error)) Option {
	return func(p *Pool) { p.dial = dial }
}

// WithLogger attaches a component-scoped logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pool) { l := log.With().Str("component", "connpool").Logger(); p.log = &l }
}

// WithMetrics attaches a metrics registry (nil is fine, and is the zero
// value).
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pool) { p.m = m }
}

// New creates a Connection Pool. idleThreshold bounds how long a pooled
// socket may sit unused before the culler closes it; cullInterval is how
// often the culler scans.
func New(idleThreshold, cullInterval time.Duration, opts ...Option) *Pool {
	p := &Pool{
		dest:         make(map[string]*destination),
		limiter:      make(map[string]chan struct{}),
		idleThresh:   idleThreshold,
		cullInterval: cullInterval,
		shutdownCh:   make(chan struct{}),
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 5*time.Second)
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		nop := zerolog.Nop()
		p.log = &nop
	}
	go p.cull()
	return p
}

// Perform acquires (or dials) a socket to addr, invokes fn with it, then
// returns the socket to the pool if fn and the subsequent exchange
// succeeded, or closes it otherwise. It reports fn's result, or false if a
// connection could not be acquired at all.
func (p *Pool) Perform(addr string, fn func(net.Conn) bool) (bool, error) {
	conn, err := p.acquire(addr)
	if err != nil {
		return false, err
	}

	ok := fn(conn)
	if ok {
		p.release(addr, conn)
	} else {
		conn.Close()
	}
	return ok, nil
}

func (p *Pool) acquire(addr string) (net.Conn, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, xerrors.Shutdown("connpool: perform after close")
	}
	if d, ok := p.dest[addr]; ok && d.conns.Len() > 0 {
		back := d.conns.Back() // most-recently-used: reuse the warmest socket
		d.conns.Remove(back)
		p.mu.Unlock()
		e := back.Value.(*entry)
		p.setGaugeLocked(addr, -1)
		return e.conn, nil
	}

	wait, hasLead := p.limiter[addr]
	if !hasLead {
		wait = make(chan struct{})
		p.limiter[addr] = wait
	}
	p.mu.Unlock()

	if hasLead {
		select {
		case <-wait:
		case <-p.shutdownCh:
			return nil, xerrors.Shutdown("connpool: perform after close")
		}
		// Someone else dialed; try the pool again, once.
		p.mu.Lock()
		if d, ok := p.dest[addr]; ok && d.conns.Len() > 0 {
			back := d.conns.Back()
			d.conns.Remove(back)
			p.mu.Unlock()
			p.setGaugeLocked(addr, -1)
			return back.Value.(*entry).conn, nil
		}
		p.mu.Unlock()
	}

	conn, err := p.dial(addr)
	if !hasLead {
		// Only the lead dialer owns wait and its limiter entry.
		p.mu.Lock()
		delete(p.limiter, addr)
		close(wait)
		p.mu.Unlock()
	}
	if err != nil {
		return nil, xerrors.Transport(err, "dial "+addr)
	}
	return conn, nil
}

func (p *Pool) release(addr string, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		conn.Close()
		return
	}
	d, ok := p.dest[addr]
	if !ok {
		d = &destination{conns: list.New()}
		p.dest[addr] = d
	}
	d.conns.PushBack(&entry{conn: conn, lastUsed: time.Now()}) // newest goes to the back
	p.setGaugeLocked(addr, 1)
}

func (p *Pool) setGaugeLocked(addr string, delta float64) {
	if p.m == nil || p.m.ConnPoolSize == nil {
		return
	}
	p.m.ConnPoolSize.WithLabelValues(addr).Add(delta)
}

// Close idempotently shuts down the pool: the culler goroutine exits and
// every pooled socket is closed. Subsequent Perform calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	close(p.shutdownCh)
	for addr, d := range p.dest {
		for e := d.conns.Front(); e != nil; e = e.Next() {
			e.Value.(*entry).conn.Close()
		}
		delete(p.dest, addr)
	}
	p.mu.Unlock()
	return nil
}

// cull runs every cullInterval, closing sockets idle for >= idleThresh,
// scanning each destination's FIFO from the oldest end until it reaches a
// non-expired entry (the rest, newer still, cannot be expired either).
func (p *Pool) cull() {
	ticker := time.NewTicker(p.cullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.shutdownCh:
			return
		case <-ticker.C:
			p.cullOnce()
		}
	}
}

func (p *Pool) cullOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for addr, d := range p.dest {
		for {
			front := d.conns.Front()
			if front == nil {
				break
			}
			e := front.Value.(*entry)
			if now.Sub(e.lastUsed) < p.idleThresh {
				break
			}
			d.conns.Remove(front)
			e.conn.Close()
			p.setGaugeLocked(addr, -1)
			p.log.Debug().Str("addr", addr).Msg("culled idle outbound socket")
		}
	}
}
