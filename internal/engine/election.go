package engine

import (
	"time"

	"github.com/kvquorum/paxosd/internal/proposal"
)

// run is the engine's top-level state machine: wait for a heartbeat or time
// out and run an election; if that election wins a majority, run the
// leader loop until stepping down, then go back to waiting.
func (e *Engine) run() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closing {
			return
		}
		gotHeartbeat := e.waitForHeartbeatOrTimeout(randomElectionTimeout(e.cfg))
		if e.closing {
			return
		}
		if gotHeartbeat {
			continue
		}
		if e.runElection() {
			e.leaderLoop()
		}
	}
}

// waitForHeartbeatOrTimeout must be called with e.mu held. It blocks until
// either a heartbeat arrives (heartbeatReceived set by an RPC handler) or
// timeout elapses, handling spurious wakeups by rechecking both the
// predicate and the deadline, and resampling the deadline only once per
// call (i.e. once per outer-loop iteration).
func (e *Engine) waitForHeartbeatOrTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()
	for !e.heartbeatReceived && !e.closing && time.Now().Before(deadline) {
		e.cond.Wait()
	}
	got := e.heartbeatReceived
	e.heartbeatReceived = false
	return got
}

// runElection must be called with e.mu held; it releases the lock while
// dispatching Vote RPCs and reacquires it before returning. Reports whether
// this node won a majority and should proceed to the leader loop.
func (e *Engine) runElection() bool {
	e.term = e.term.Bump(e.selfID)
	myTerm := e.term
	if e.m != nil && e.m.ElectionsStarted != nil {
		e.m.ElectionsStarted.Inc()
	}
	if e.m != nil && e.m.CurrentTermRound != nil {
		e.m.CurrentTermRound.Set(float64(myTerm.Round))
	}
	peers := e.peerIDs()
	e.mu.Unlock()

	type result struct {
		contacted bool
		term      proposal.ID
	}
	resultsCh := make(chan result, len(peers))
	for _, peerID := range peers {
		peerID := peerID
		go func() {
			contacted, resp, err := e.callVote(peerID, myTerm)
			if err != nil || !contacted {
				resultsCh <- result{contacted: false}
				return
			}
			resultsCh <- result{contacted: true, term: resp.Term}
		}()
	}

	votes := 1 // self
	higherSeen := false
	maxObserved := myTerm
	for i := 0; i < len(peers); i++ {
		r := <-resultsCh
		if !r.contacted {
			continue
		}
		if r.term.Less(myTerm) {
			votes++
		} else if myTerm.Less(r.term) {
			higherSeen = true
			maxObserved = proposal.Max(maxObserved, r.term)
		}
	}

	e.mu.Lock()
	if higherSeen {
		e.term = proposal.Max(e.term, maxObserved)
		return false
	}
	if e.term != myTerm {
		// Someone else's RPC already advanced our term while we were
		// dispatching votes; this candidacy is stale.
		return false
	}
	if votes < e.cfg.Quorum() {
		return false
	}
	e.leading = true
	if e.m != nil {
		if e.m.ElectionsWon != nil {
			e.m.ElectionsWon.Inc()
		}
		if e.m.IsLeader != nil {
			e.m.IsLeader.Set(1)
		}
	}
	e.log.Info().Str("term", myTerm.String()).Int("votes", votes).Msg("won election")
	return true
}
