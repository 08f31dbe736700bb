package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	c := Default()
	c.Peers = []Peer{{Addr: "127.0.0.1:9001"}, {Addr: "127.0.0.1:9002"}, {Addr: "127.0.0.1:9003"}}
	c.Self = 1
	require.NoError(t, c.Validate())

	c.Self = 3
	assert.Error(t, c.Validate())

	c.Self = -1
	assert.Error(t, c.Validate())
}

func TestQuorum(t *testing.T) {
	c := Default()
	c.Peers = make([]Peer, 3)
	assert.Equal(t, 2, c.Quorum())

	c.Peers = make([]Peer, 2)
	assert.Equal(t, 2, c.Quorum())

	c.Peers = make([]Peer, 5)
	assert.Equal(t, 3, c.Quorum())
}

func TestPeerAddr(t *testing.T) {
	c := Default()
	c.Peers = []Peer{{Addr: "a"}, {Addr: "b"}}
	addr, ok := c.PeerAddr(1)
	require.True(t, ok)
	assert.Equal(t, "b", addr)

	_, ok = c.PeerAddr(5)
	assert.False(t, ok)
}
