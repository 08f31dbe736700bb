package engine

import (
	"time"

	"github.com/kvquorum/paxosd/internal/proposal"
	"github.com/kvquorum/paxosd/internal/wire"
	"github.com/kvquorum/paxosd/internal/xerrors"
)

// leaderLoop must be called with e.mu held and e.leading already true (set
// by runElection while still holding the lock, so no follower RPC can slip
// in between winning the election and starting to act on it). It releases
// the lock around all network work and returns, with the lock held again,
// once it notices the term has moved on.
func (e *Engine) leaderLoop() {
	myTerm := e.term
	recoverFrom := e.theLog.FirstNonChosen()
	e.mu.Unlock()

	if value, found := e.recoverSlot(myTerm, recoverFrom); found {
		_ = e.proposeAndCommit(recoverFrom, myTerm, value)
	}

	e.mu.Lock()
	for {
		if e.closing || e.term != myTerm || !e.leading {
			e.leading = false
			if e.m != nil && e.m.IsLeader != nil {
				e.m.IsLeader.Set(0)
			}
			return
		}
		peers := e.peerIDs()
		e.mu.Unlock()
		for _, p := range peers {
			p := p
			go e.callSuccess(p, myTerm, heartbeatSlot, nil)
		}
		time.Sleep(e.cfg.HeartbeatInterval)
		e.mu.Lock()
	}
}

// recoverSlot runs the classic Paxos recovery Prepare across a majority for
// one slot: if any acceptor already has an accepted value there, that value
// must be re-proposed (under this leader's own, higher, term) before any
// new client value may occupy the slot.
func (e *Engine) recoverSlot(term proposal.ID, index uint64) ([]byte, bool) {
	peers := e.peerIDs()
	type result struct {
		contacted bool
		resp      wire.PrepareResp
	}
	ch := make(chan result, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			contacted, resp, err := e.callPrepare(p, term, index)
			if err != nil {
				contacted = false
			}
			ch <- result{contacted: contacted, resp: resp}
		}()
	}

	acks := 1 // self
	var best *wire.PrepareResp
	for i := 0; i < len(peers); i++ {
		r := <-ch
		if !r.contacted {
			continue
		}
		acks++
		if r.resp.HasAccepted == 1 {
			if best == nil || best.AcceptedProposal.Less(r.resp.AcceptedProposal) {
				rr := r.resp
				best = &rr
			}
		}
	}

	e.mu.Lock()
	selfSlot := e.theLog.Slot(index)
	e.mu.Unlock()
	if selfSlot.AcceptedProposal != nil && (best == nil || best.AcceptedProposal.Less(*selfSlot.AcceptedProposal)) {
		return selfSlot.AcceptedValue, true
	}

	if acks < e.cfg.Quorum() {
		return nil, false
	}
	if best != nil {
		return best.AcceptedValue, true
	}
	return nil, false
}

// proposeAndCommit drives one slot through Accept and, on majority success,
// Success, under the given term. It may be called concurrently with the
// leader loop's heartbeats and with other in-flight proposals for different
// slots.
func (e *Engine) proposeAndCommit(index uint64, term proposal.ID, value []byte) error {
	e.mu.Lock()
	if e.term != term || !e.leading {
		e.mu.Unlock()
		return retryableLeadershipLost("term changed before dispatch")
	}
	e.theLog.RecordAccepted(index, term, value)
	peers := e.peerIDs()
	e.mu.Unlock()

	type result struct {
		contacted bool
		seen      proposal.ID
	}
	ch := make(chan result, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			contacted, resp, err := e.callAccept(p, term, index, value)
			if err != nil {
				contacted = false
			}
			ch <- result{contacted: contacted, seen: resp.HighestSeen}
		}()
	}

	acks := 1 // self accepted above
	higherSeen := false
	maxSeen := term
	for i := 0; i < len(peers); i++ {
		r := <-ch
		if !r.contacted {
			continue
		}
		if r.seen == term {
			acks++
		} else if term.Less(r.seen) {
			higherSeen = true
			maxSeen = proposal.Max(maxSeen, r.seen)
		}
	}

	if higherSeen {
		e.mu.Lock()
		e.term = proposal.Max(e.term, maxSeen)
		e.leading = false
		e.mu.Unlock()
		return retryableLeadershipLost("lost the ballot race on accept")
	}
	if acks < e.cfg.Quorum() {
		return xerrors.NoQuorum("failed to reach quorum on accept")
	}

	e.mu.Lock()
	if e.term != term || !e.leading {
		e.mu.Unlock()
		return retryableLeadershipLost("stepped down before commit")
	}
	e.markChosenLocked(index, term, value)
	e.mu.Unlock()

	for _, p := range peers {
		p := p
		go e.callSuccess(p, term, index, value)
	}
	return nil
}
