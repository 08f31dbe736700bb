package engine

import (
	"context"
	"time"

	"github.com/kvquorum/paxosd/internal/paxoslog"
	"github.com/kvquorum/paxosd/internal/proposal"
	"github.com/kvquorum/paxosd/internal/xerrors"
)

func retryableLeadershipLost(context string) error {
	return xerrors.RetryableLeadership(context)
}

// Request is the entry point for a client operation submitted at this node:
// it allocates a request_seq as this node's own origin, then either drives
// the op itself (if this node leads) or forwards it to whichever node it
// currently believes leads, retrying against a new leader as needed.
func (e *Engine) Request(ctx context.Context, opBytes []byte) ([]byte, error) {
	seq := e.nextSeq()
	if e.m != nil && e.m.RequestsTotal != nil {
		e.m.RequestsTotal.Inc()
	}
	retried := false
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		e.mu.Lock()
		leading := e.leading
		leaderNode := int(e.term.Node)
		term := e.term
		e.mu.Unlock()

		if leading {
			result, err := e.handleLocalRequest(ctx, term, e.selfID, seq, opBytes)
			if err == nil {
				return result, nil
			}
		} else if leaderNode != int(e.selfID) {
			contacted, remoteLeading, result, err := e.callRequest(leaderNode, e.selfID, seq, opBytes)
			if err == nil && contacted && remoteLeading {
				return result, nil
			}
		}

		if !retried {
			retried = true
			if e.m != nil && e.m.RequestsRetried != nil {
				e.m.RequestsRetried.Inc()
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// handleLocalRequest drives one client operation to a chosen, applied slot
// while this node leads, waiting for the Applier to deliver the result.
func (e *Engine) handleLocalRequest(ctx context.Context, term proposal.ID, origin uint32, seq uint64, op []byte) ([]byte, error) {
	e.mu.Lock()
	if e.term != term || !e.leading {
		e.mu.Unlock()
		return nil, retryableLeadershipLost("leadership changed before dispatch")
	}
	index := e.theLog.FirstNonChosen()
	e.mu.Unlock()

	resultCh := make(chan []byte, 1)
	if e.waiters != nil {
		e.waiters.RegisterWaiter(origin, seq, resultCh)
	}
	entryBytes := paxoslog.EncodeEntry(paxoslog.Entry{OriginNodeID: origin, RequestSeq: seq, OpBytes: op})

	if err := e.proposeAndCommit(index, term, entryBytes); err != nil {
		if e.waiters != nil {
			e.waiters.UnregisterWaiter(origin, seq)
		}
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		if e.waiters != nil {
			e.waiters.UnregisterWaiter(origin, seq)
		}
		return nil, ctx.Err()
	case <-time.After(e.requestTimeout):
		if e.waiters != nil {
			e.waiters.UnregisterWaiter(origin, seq)
		}
		return nil, retryableLeadershipLost("timed out waiting for the entry to be applied")
	}
}
