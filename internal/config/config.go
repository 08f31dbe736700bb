// Package config holds the immutable cluster configuration a node is
// constructed with: the ordered peer list and this node's own index into it.
package config

import (
	"time"

	"github.com/pkg/errors"
)

// Peer is one node's network address in the cluster.
type Peer struct {
	Addr string // host:port
}

// Config is the ordered, immutable set of peer addresses plus tuning knobs.
// Node self's listen address is Peers[Self].
type Config struct {
	Peers []Peer
	Self  int

	// ElectionTimeoutMin/Max bound the randomized election timeout
	// (spec default: 150-300ms).
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often a leader piggybacks a heartbeat onto
	// Success RPCs while idle (spec default: 50ms).
	HeartbeatInterval time.Duration

	// MaxConcurrentConns bounds the Terminal Pool's simultaneously busy
	// worker count.
	MaxConcurrentConns int

	// SelectInterval is how long a Terminal Pool connection waits for a free
	// worker slot before checking its socket again.
	SelectInterval time.Duration

	// IdleTimeout is how long an unused socket (inbound or outbound) may
	// sit before being reclaimed.
	IdleTimeout time.Duration

	// CullInterval is how often the Connection Pool's culler scans for
	// idle sockets to close.
	CullInterval time.Duration
}

// Default returns a Config populated with the spec's default tunings; Peers
// and Self must still be set.
func Default() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		MaxConcurrentConns: 64,
		SelectInterval:      100 * time.Millisecond,
		IdleTimeout:         10 * time.Second,
		CullInterval:        1 * time.Second,
	}
}

// Validate checks the configuration is usable, returning a configuration
// error (fatal at construction per spec section 7) if not.
func (c Config) Validate() error {
	if len(c.Peers) == 0 {
		return errors.New("config: empty peer list")
	}
	if c.Self < 0 || c.Self >= len(c.Peers) {
		return errors.Errorf("config: self %d out of range [0,%d)", c.Self, len(c.Peers))
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return errors.New("config: invalid election timeout bounds")
	}
	return nil
}

// Quorum is the strict majority size for this cluster.
func (c Config) Quorum() int {
	return len(c.Peers)/2 + 1
}

// N is the number of nodes in the cluster.
func (c Config) N() int {
	return len(c.Peers)
}

// SelfAddr is this node's own listen address.
func (c Config) SelfAddr() string {
	return c.Peers[c.Self].Addr
}

// PeerAddr returns the address of node id, or false if out of range.
func (c Config) PeerAddr(id int) (string, bool) {
	if id < 0 || id >= len(c.Peers) {
		return "", false
	}
	return c.Peers[id].Addr, true
}
