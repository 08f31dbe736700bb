package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvquorum/paxosd/internal/applier"
	"github.com/kvquorum/paxosd/internal/config"
	"github.com/kvquorum/paxosd/internal/connpool"
	"github.com/kvquorum/paxosd/internal/proposal"
	"github.com/kvquorum/paxosd/internal/termpool"
	"github.com/kvquorum/paxosd/internal/wire"
)

func testConfig(n int, self int) config.Config {
	cfg := config.Default()
	cfg.Self = self
	cfg.ElectionTimeoutMin = 40 * time.Millisecond
	cfg.ElectionTimeoutMax = 80 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	for i := 0; i < n; i++ {
		cfg.Peers = append(cfg.Peers, config.Peer{Addr: "127.0.0.1:0"})
	}
	return cfg
}

func TestHandleVoteGrantsOnHigherTermAndStepsDown(t *testing.T) {
	e := New(0, testConfig(3, 0), connpool.New(time.Second, time.Second), nil, nil)
	e.leading = true

	resp := e.HandleVote(wire.VoteReq{Term: proposal.ID{Round: 1, Node: 1}})
	assert.Equal(t, proposal.Zero(0), resp.Term, "reply carries the pre-grant term")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.False(t, e.leading, "granting a vote steps this node down")
	assert.Equal(t, proposal.ID{Round: 1, Node: 1}, e.term)
}

func TestHandleVoteRejectsLowerTerm(t *testing.T) {
	e := New(0, testConfig(3, 0), connpool.New(time.Second, time.Second), nil, nil)
	e.mu.Lock()
	e.term = proposal.ID{Round: 5, Node: 0}
	e.mu.Unlock()

	resp := e.HandleVote(wire.VoteReq{Term: proposal.ID{Round: 1, Node: 1}})
	assert.Equal(t, proposal.ID{Round: 5, Node: 0}, resp.Term)
}

func TestHandleAcceptRejectsLowerProposal(t *testing.T) {
	e := New(0, testConfig(3, 0), connpool.New(time.Second, time.Second), nil, nil)

	high := proposal.ID{Round: 5, Node: 2}
	resp := e.HandleAccept(wire.AcceptReq{AcceptReqHeader: wire.AcceptReqHeader{Term: high, SlotIndex: 0}, Value: []byte("v1")})
	assert.Equal(t, high, resp.HighestSeen)

	low := proposal.ID{Round: 1, Node: 0}
	resp2 := e.HandleAccept(wire.AcceptReq{AcceptReqHeader: wire.AcceptReqHeader{Term: low, SlotIndex: 0}, Value: []byte("v2")})
	assert.Equal(t, high, resp2.HighestSeen, "a lower proposal must be rejected and told the higher one")
}

// TestHandleAcceptRejectsStaleTermOnFreshSlot covers a proposal that is the
// first ever seen for its slot (AcceptedProposal is nil, so the per-slot
// comparison alone would accept it) but whose term is below a term this node
// already learned from elsewhere (e.g. granting a Vote to a new candidate).
// A still-partitioned former leader must not be able to get a value chosen
// here once a newer election has already moved this node's term forward.
func TestHandleAcceptRejectsStaleTermOnFreshSlot(t *testing.T) {
	e := New(2, testConfig(4, 2), connpool.New(time.Second, time.Second), nil, nil)

	newTerm := proposal.ID{Round: 2, Node: 1}
	e.HandleVote(wire.VoteReq{Term: newTerm})

	staleTerm := proposal.ID{Round: 1, Node: 0}
	resp := e.HandleAccept(wire.AcceptReq{AcceptReqHeader: wire.AcceptReqHeader{Term: staleTerm, SlotIndex: 9}, Value: []byte("v1")})
	assert.Equal(t, newTerm, resp.HighestSeen, "the acceptor's own term must reject a stale leader even on a never-touched slot")

	e.mu.Lock()
	slot := e.theLog.Slot(9)
	e.mu.Unlock()
	assert.Nil(t, slot.AcceptedProposal, "the rejected proposal must not be recorded")
}

func TestHandleSuccessMarksChosenAndHeartbeatSlotDoesNot(t *testing.T) {
	e := New(0, testConfig(3, 0), connpool.New(time.Second, time.Second), nil, nil)
	term := proposal.ID{Round: 1, Node: 1}

	resp := e.HandleSuccess(wire.SuccessReq{SuccessReqHeader: wire.SuccessReqHeader{Term: term, SlotIndex: 0}, Value: []byte("v")})
	assert.EqualValues(t, 1, resp.OK)

	e.mu.Lock()
	slot := e.theLog.Slot(0)
	e.mu.Unlock()
	assert.True(t, slot.Chosen)
	assert.Equal(t, []byte("v"), slot.AcceptedValue)

	// Heartbeat slot resets the timer but never touches real log state.
	e.mu.Lock()
	before := e.theLog.Len()
	e.mu.Unlock()
	e.HandleSuccess(wire.SuccessReq{SuccessReqHeader: wire.SuccessReqHeader{Term: term, SlotIndex: heartbeatSlot}})
	e.mu.Lock()
	after := e.theLog.Len()
	e.mu.Unlock()
	assert.Equal(t, before, after, "heartbeat slot index must not grow the log")
}

// testNode bundles the pieces an embedder would wire together, for
// in-process, real-TCP integration tests.
type testNode struct {
	engine  *Engine
	pool    *connpool.Pool
	term    *termpool.Pool
	applier *applier.Applier
}

func newTestNode(t *testing.T, id int, cfg config.Config) *testNode {
	t.Helper()
	pool := connpool.New(cfg.IdleTimeout, cfg.CullInterval)
	e := New(id, cfg, pool, nil, nil)

	tp, err := termpool.New("127.0.0.1:0", cfg.MaxConcurrentConns, cfg.SelectInterval, cfg.IdleTimeout, e.Demux)
	require.NoError(t, err)

	return &testNode{engine: e, pool: pool, term: tp}
}

func TestThreeNodeClusterElectsLeaderAndAppliesRequest(t *testing.T) {
	const n = 3
	cfgs := make([]config.Config, n)
	for i := range cfgs {
		cfgs[i] = testConfig(n, i)
	}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		nodes[i] = newTestNode(t, i, cfgs[i])
		cfgs[i].Peers[i].Addr = nodes[i].term.Addr().String()
	}
	// Now that every node's real ephemeral address is known, fan it out to
	// every node's config so they can all dial each other.
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			nodes[i].engine.cfg.Peers[j].Addr = cfgs[j].Peers[j].Addr
		}
	}

	for i := 0; i < n; i++ {
		// applier's LogView is the engine itself; wire it now that both exist.
		nodes[i].applier = applier.New(nodes[i].engine, func(op []byte) ([]byte, error) {
			return []byte(fmt.Sprintf("applied:%s", op)), nil
		})
		nodes[i].engine.SetApplier(nodes[i].applier, nodes[i].applier)
		go nodes[i].applier.Run()
		nodes[i].engine.Start()
	}
	defer func() {
		for _, nd := range nodes {
			nd.engine.Stop()
			nd.applier.Close()
			nd.term.Close()
			nd.pool.Close()
		}
	}()

	var leaderIdx = -1
	require.Eventually(t, func() bool {
		for i, nd := range nodes {
			nd.engine.mu.Lock()
			leading := nd.engine.leading
			nd.engine.mu.Unlock()
			if leading {
				leaderIdx = i
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "a leader must emerge")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := nodes[leaderIdx].engine.Request(ctx, []byte("set(7)"))
	require.NoError(t, err)
	assert.Equal(t, "applied:set(7)", string(result))
}
