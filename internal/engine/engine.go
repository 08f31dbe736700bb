// Package engine implements the Paxos Engine: leader election, the
// prepare/accept/success replication protocol, and the RPC handlers a
// Terminal Pool dispatches into. One deadlock-checked mutex guards term,
// leading, and the log, matching hashicorp-nomad's discipline of a single
// lock per component rather than field-level locks.
package engine

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"github.com/kvquorum/paxosd/internal/config"
	"github.com/kvquorum/paxosd/internal/connpool"
	"github.com/kvquorum/paxosd/internal/metrics"
	"github.com/kvquorum/paxosd/internal/paxoslog"
	"github.com/kvquorum/paxosd/internal/proposal"
	"github.com/kvquorum/paxosd/internal/wire"
)

// heartbeatSlot is a reserved slot index used by an otherwise idle leader to
// keep followers' election timers reset without touching real log state.
const heartbeatSlot = ^uint64(0)

// Notifier is implemented by the Applier: the engine calls Notify after
// marking a new slot chosen so the Applier doesn't wait for its poll
// fallback.
type Notifier interface {
	Notify()
}

// ResultWaiter is the narrow slice of the Applier the engine needs to
// deliver a locally-driven Request's result once applied.
type ResultWaiter interface {
	RegisterWaiter(origin uint32, seq uint64, ch chan []byte)
	UnregisterWaiter(origin uint32, seq uint64)
}

// Engine is the Paxos Engine for one node.
type Engine struct {
	selfID uint32
	cfg    config.Config

	pool *connpool.Pool

	applier  Notifier
	waiters  ResultWaiter

	log *zerolog.Logger
	m   *metrics.Registry

	mu      deadlock.Mutex
	cond    *sync.Cond
	term    proposal.ID
	leading bool
	theLog  *paxoslog.Log

	heartbeatReceived bool
	closing           bool

	seqMu sync.Mutex
	seq   uint64 // this node's own next request_seq, as an origin

	requestTimeout time.Duration
	rpcTimeoutMin  time.Duration
	rpcTimeoutMax  time.Duration

	wg sync.WaitGroup
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { l := log.With().Str("component", "engine").Logger(); e.log = &l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) { e.m = m }
}

// New constructs an Engine. pool is the outbound Connection Pool used to
// reach peers; applier/waiters are the Applier's Notify and waiter-registry
// surfaces, kept as narrow interfaces to avoid an import cycle.
func New(selfID int, cfg config.Config, pool *connpool.Pool, applier Notifier, waiters ResultWaiter, opts ...Option) *Engine {
	e := &Engine{
		selfID:         uint32(selfID),
		cfg:            cfg,
		pool:           pool,
		applier:        applier,
		waiters:        waiters,
		theLog:         paxoslog.New(),
		term:           proposal.Zero(uint32(selfID)),
		requestTimeout: 2 * time.Second,
		rpcTimeoutMin:  cfg.ElectionTimeoutMin,
		rpcTimeoutMax:  cfg.ElectionTimeoutMax,
	}
	e.cond = sync.NewCond(&e.mu)
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		nop := zerolog.Nop()
		e.log = &nop
	}
	return e
}

// SetApplier rebinds the engine's Applier/waiter surface. Construction order
// requires the Engine to exist before a real Applier can be built (the
// Applier's LogView is the Engine itself), so embedders build the Engine
// with a placeholder and call this once the real Applier exists, before
// Start.
func (e *Engine) SetApplier(applier Notifier, waiters ResultWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applier = applier
	e.waiters = waiters
}

// Start launches the election/leader state machine goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
}

// Stop signals the state machine to exit and waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closing = true
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
}

// NextApplicable implements applier.LogView.
func (e *Engine) NextApplicable() (uint64, paxoslog.Slot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.theLog.FirstNonApplied()
	if idx >= e.theLog.Len() {
		return 0, paxoslog.Slot{}, false
	}
	slot := e.theLog.Slot(idx)
	if !slot.Chosen {
		return 0, paxoslog.Slot{}, false
	}
	return idx, slot, true
}

// MarkApplied implements applier.LogView.
func (e *Engine) MarkApplied(idx uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.theLog.MarkApplied(idx)
}

func randomElectionTimeout(cfg config.Config) time.Duration {
	lo, hi := cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (e *Engine) rpcDeadline() time.Time {
	return time.Now().Add(randomElectionTimeout(config.Config{ElectionTimeoutMin: e.rpcTimeoutMin, ElectionTimeoutMax: e.rpcTimeoutMax}))
}

func (e *Engine) markChosenLocked(index uint64, p proposal.ID, value []byte) {
	e.theLog.MarkChosen(index, p, value)
	if e.m != nil && e.m.LogChosenIndex != nil {
		e.m.LogChosenIndex.Set(float64(index))
	}
	if e.applier != nil {
		e.applier.Notify()
	}
}

func (e *Engine) noteObservedTerm(peerTerm proposal.ID) {
	if e.term.Less(peerTerm) {
		e.term = peerTerm
	}
	e.heartbeatReceived = true
	e.cond.Broadcast()
}

// --- RPC handlers, invoked by the Terminal Pool's demux on TagVote etc. ---

// HandleVote implements the Vote acceptor side: grant iff the candidate's
// term is strictly newer than what this node has seen.
func (e *Engine) HandleVote(req wire.VoteReq) wire.VoteResp {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp := wire.VoteResp{Term: e.term}
	if e.term.Less(req.Term) {
		e.term = req.Term
		e.leading = false
		e.heartbeatReceived = true
		e.cond.Broadcast()
	}
	return resp
}

// HandlePrepare implements the Prepare acceptor side for one slot.
func (e *Engine) HandlePrepare(req wire.PrepareReq) wire.PrepareResp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.term.Less(req.Term) {
		e.term = req.Term
	}
	slot := e.theLog.Slot(req.SlotIndex)
	var resp wire.PrepareResp
	if slot.AcceptedProposal != nil {
		resp.HasAccepted = 1
		resp.AcceptedProposal = *slot.AcceptedProposal
		resp.AcceptedValue = slot.AcceptedValue
	} else {
		resp.HasNext = 1
		resp.NextUnaccepted = req.SlotIndex
	}
	return resp
}

// HandleAccept implements the classic Paxos acceptor rule for one slot:
// accept iff the incoming proposal is at least as high as both this node's
// globally-known term (the leadership epoch this node has already promised,
// by the same mechanism HandleVote uses) and anything already on file for
// that slot; otherwise reject and report the acceptor's true highest-known
// term, exactly as HandleVote does, so a stale leader learns of the newer
// term and steps down.
func (e *Engine) HandleAccept(req wire.AcceptReq) wire.AcceptResp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.term.Less(req.Term) {
		e.noteObservedTerm(req.Term)
	}
	if req.Term.Less(e.term) {
		return wire.AcceptResp{HighestSeen: e.term}
	}
	slot := e.theLog.Slot(req.SlotIndex)
	if slot.AcceptedProposal == nil || !req.Term.Less(*slot.AcceptedProposal) {
		e.theLog.RecordAccepted(req.SlotIndex, req.Term, req.Value)
		return wire.AcceptResp{HighestSeen: e.term}
	}
	return wire.AcceptResp{HighestSeen: *slot.AcceptedProposal}
}

// HandleSuccess implements the learner side: mark a slot chosen, or, for
// the reserved heartbeat slot, only reset the election timer.
func (e *Engine) HandleSuccess(req wire.SuccessReq) wire.SuccessResp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !req.Term.Less(e.term) {
		e.noteObservedTerm(req.Term)
	}
	if req.SlotIndex == heartbeatSlot {
		return wire.SuccessResp{OK: 1}
	}
	e.markChosenLocked(req.SlotIndex, req.Term, req.Value)
	return wire.SuccessResp{OK: 1}
}

// HandleRequest implements the follower side of a client Request forwarded
// by a peer: if this node leads, drive it to completion; otherwise report
// that it does not lead so the caller can retry elsewhere.
func (e *Engine) HandleRequest(ctx context.Context, req wire.RequestReq) wire.RequestResp {
	e.mu.Lock()
	leading := e.leading
	term := e.term
	e.mu.Unlock()
	if !leading {
		return wire.RequestResp{RequestRespHeader: wire.RequestRespHeader{Leading: 0}}
	}
	result, err := e.handleLocalRequest(ctx, term, req.OriginNodeID, req.RequestSeq, req.OpBytes)
	if err != nil {
		return wire.RequestResp{RequestRespHeader: wire.RequestRespHeader{Leading: 0}}
	}
	return wire.RequestResp{RequestRespHeader: wire.RequestRespHeader{Leading: 1}, Results: result}
}

// --- outbound RPC helpers over the Connection Pool ---

func (e *Engine) peerAddr(id int) (string, bool) {
	return e.cfg.PeerAddr(id)
}

func (e *Engine) peerIDs() []int {
	ids := make([]int, 0, e.cfg.N()-1)
	for i := 0; i < e.cfg.N(); i++ {
		if i != int(e.selfID) {
			ids = append(ids, i)
		}
	}
	return ids
}

func (e *Engine) callVote(peer int, term proposal.ID) (contacted bool, resp wire.VoteResp, err error) {
	addr, ok := e.peerAddr(peer)
	if !ok {
		return false, wire.VoteResp{}, errors.Errorf("engine: unknown peer %d", peer)
	}
	ok2, err := e.pool.Perform(addr, func(conn net.Conn) bool {
		deadline := e.rpcDeadline()
		if err := wire.WriteTag(conn, deadline, wire.TagVote); err != nil {
			return false
		}
		if err := wire.WriteVoteReq(conn, deadline, wire.VoteReq{Term: term}); err != nil {
			return false
		}
		r, err := wire.ReadVoteResp(conn, deadline)
		if err != nil {
			return false
		}
		resp = r
		return true
	})
	if err != nil {
		return false, wire.VoteResp{}, err
	}
	return ok2, resp, nil
}

func (e *Engine) callPrepare(peer int, term proposal.ID, slot uint64) (contacted bool, resp wire.PrepareResp, err error) {
	addr, ok := e.peerAddr(peer)
	if !ok {
		return false, wire.PrepareResp{}, errors.Errorf("engine: unknown peer %d", peer)
	}
	ok2, err := e.pool.Perform(addr, func(conn net.Conn) bool {
		deadline := e.rpcDeadline()
		if err := wire.WriteTag(conn, deadline, wire.TagPrepare); err != nil {
			return false
		}
		if err := wire.WritePrepareReq(conn, deadline, wire.PrepareReq{Term: term, SlotIndex: slot}); err != nil {
			return false
		}
		r, err := wire.ReadPrepareResp(conn, deadline)
		if err != nil {
			return false
		}
		resp = r
		return true
	})
	if err != nil {
		return false, wire.PrepareResp{}, err
	}
	return ok2, resp, nil
}

func (e *Engine) callAccept(peer int, term proposal.ID, slot uint64, value []byte) (contacted bool, resp wire.AcceptResp, err error) {
	addr, ok := e.peerAddr(peer)
	if !ok {
		return false, wire.AcceptResp{}, errors.Errorf("engine: unknown peer %d", peer)
	}
	ok2, err := e.pool.Perform(addr, func(conn net.Conn) bool {
		deadline := e.rpcDeadline()
		req := wire.AcceptReq{AcceptReqHeader: wire.AcceptReqHeader{Term: term, SlotIndex: slot}, Value: value}
		if err := wire.WriteTag(conn, deadline, wire.TagAccept); err != nil {
			return false
		}
		if err := wire.WriteAcceptReq(conn, deadline, req); err != nil {
			return false
		}
		r, err := wire.ReadAcceptResp(conn, deadline)
		if err != nil {
			return false
		}
		resp = r
		return true
	})
	if err != nil {
		return false, wire.AcceptResp{}, err
	}
	return ok2, resp, nil
}

func (e *Engine) callSuccess(peer int, term proposal.ID, slot uint64, value []byte) {
	addr, ok := e.peerAddr(peer)
	if !ok {
		return
	}
	_, _ = e.pool.Perform(addr, func(conn net.Conn) bool {
		deadline := e.rpcDeadline()
		req := wire.SuccessReq{SuccessReqHeader: wire.SuccessReqHeader{Term: term, SlotIndex: slot}, Value: value}
		if err := wire.WriteTag(conn, deadline, wire.TagSuccess); err != nil {
			return false
		}
		if err := wire.WriteSuccessReq(conn, deadline, req); err != nil {
			return false
		}
		if _, err := wire.ReadSuccessResp(conn, deadline); err != nil {
			return false
		}
		return true
	})
}

func (e *Engine) callRequest(peer int, origin uint32, seq uint64, op []byte) (contacted, leading bool, results []byte, err error) {
	addr, ok := e.peerAddr(peer)
	if !ok {
		return false, false, nil, errors.Errorf("engine: unknown peer %d", peer)
	}
	ok2, err := e.pool.Perform(addr, func(conn net.Conn) bool {
		deadline := time.Now().Add(e.requestTimeout)
		req := wire.RequestReq{RequestReqHeader: wire.RequestReqHeader{OriginNodeID: origin, RequestSeq: seq}, OpBytes: op}
		if err := wire.WriteTag(conn, deadline, wire.TagRequest); err != nil {
			return false
		}
		if err := wire.WriteRequestReq(conn, deadline, req); err != nil {
			return false
		}
		r, err := wire.ReadRequestResp(conn, deadline)
		if err != nil {
			return false
		}
		leading = r.Leading == 1
		results = r.Results
		return true
	})
	if err != nil {
		return false, false, nil, err
	}
	return ok2, leading, results, nil
}

// nextSeq allocates the next request_seq this node issues as an origin.
func (e *Engine) nextSeq() uint64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.seq++
	return e.seq
}

// LeaderAddrHint reports the address of the node this engine currently
// believes leads, purely as an operational hint (e.g. for logging).
func (e *Engine) LeaderAddrHint() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerAddr(int(e.term.Node))
}

// IsLeading reports whether this node currently believes it leads.
func (e *Engine) IsLeading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// RebindPeer updates one peer's address in this engine's configuration. It
// exists for callers (tests, and any embedder doing dynamic reconfiguration
// at the edges) that only learn a peer's real bound address after that
// peer's own listener has started, e.g. when every node was constructed
// with an ephemeral "host:0" address.
func (e *Engine) RebindPeer(id int, addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id >= 0 && id < len(e.cfg.Peers) {
		e.cfg.Peers[id].Addr = addr
	}
}
