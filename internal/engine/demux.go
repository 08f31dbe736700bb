package engine

import (
	"context"
	"net"
	"time"

	"github.com/kvquorum/paxosd/internal/wire"
)

// Demux is the Terminal Pool's DemuxFunc for this engine: it reads one RPC
// tag, dispatches to the matching handler, writes the reply, and reports
// whether the connection remains usable for a further RPC.
func (e *Engine) Demux(conn net.Conn) bool {
	deadline := time.Now().Add(e.cfg.IdleTimeout)
	tag, err := wire.ReadTag(conn, deadline)
	if err != nil {
		return false
	}

	switch tag {
	case wire.TagVote:
		req, err := wire.ReadVoteReq(conn, deadline)
		if err != nil {
			return false
		}
		resp := e.HandleVote(req)
		return wire.WriteVoteResp(conn, deadline, resp) == nil

	case wire.TagPrepare:
		req, err := wire.ReadPrepareReq(conn, deadline)
		if err != nil {
			return false
		}
		resp := e.HandlePrepare(req)
		return wire.WritePrepareResp(conn, deadline, resp) == nil

	case wire.TagAccept:
		req, err := wire.ReadAcceptReq(conn, deadline)
		if err != nil {
			return false
		}
		resp := e.HandleAccept(req)
		return wire.WriteAcceptResp(conn, deadline, resp) == nil

	case wire.TagSuccess:
		req, err := wire.ReadSuccessReq(conn, deadline)
		if err != nil {
			return false
		}
		resp := e.HandleSuccess(req)
		return wire.WriteSuccessResp(conn, deadline, resp) == nil

	case wire.TagRequest:
		req, err := wire.ReadRequestReq(conn, deadline)
		if err != nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
		resp := e.HandleRequest(ctx, req)
		cancel()
		return wire.WriteRequestResp(conn, deadline, resp) == nil

	default:
		return false
	}
}
