package wire

import (
	"net"
	"time"

	"github.com/kvquorum/paxosd/internal/proposal"
	"github.com/kvquorum/paxosd/internal/xerrors"
)

// Tag is the one-byte RPC discriminator every request begins with.
type Tag uint8

const (
	TagVote Tag = iota
	TagPrepare
	TagAccept
	TagSuccess
	TagRequest
)

// MaxOpBytes bounds any slab we accept off the wire.
const MaxOpBytes = 16 << 20 // 16MiB

func (t Tag) String() string {
	switch t {
	case TagVote:
		return "Vote"
	case TagPrepare:
		return "Prepare"
	case TagAccept:
		return "Accept"
	case TagSuccess:
		return "Success"
	case TagRequest:
		return "Request"
	default:
		return "Unknown"
	}
}

// WriteTag sends the one-byte RPC discriminator.
func WriteTag(conn net.Conn, deadline time.Time, t Tag) error {
	_, err := SendFixed(conn, deadline, t)
	return err
}

// ReadTag reads the one-byte RPC discriminator.
func ReadTag(conn net.Conn, deadline time.Time) (Tag, error) {
	var t Tag
	ok, err := RecvFixed(conn, deadline, &t)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, xerrors.Protocol("short read on RPC tag")
	}
	return t, nil
}

// --- Vote ---

type VoteReq struct {
	Term proposal.ID
}

type VoteResp struct {
	Term proposal.ID
}

func WriteVoteReq(conn net.Conn, deadline time.Time, r VoteReq) error {
	_, err := SendFixed(conn, deadline, r)
	return err
}

func ReadVoteReq(conn net.Conn, deadline time.Time) (VoteReq, error) {
	var r VoteReq
	ok, err := RecvFixed(conn, deadline, &r)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, xerrors.Protocol("short read on VoteReq")
	}
	return r, nil
}

func WriteVoteResp(conn net.Conn, deadline time.Time, r VoteResp) error {
	_, err := SendFixed(conn, deadline, r)
	return err
}

func ReadVoteResp(conn net.Conn, deadline time.Time) (VoteResp, error) {
	var r VoteResp
	ok, err := RecvFixed(conn, deadline, &r)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, xerrors.Protocol("short read on VoteResp")
	}
	return r, nil
}

// --- Prepare ---

type PrepareReq struct {
	Term      proposal.ID
	SlotIndex uint64
}

// PrepareRespHeader is the fixed part of a Prepare reply. AcceptedValue (if
// HasAccepted) follows as a length-prefixed slab.
type PrepareRespHeader struct {
	HasAccepted      uint8
	AcceptedProposal proposal.ID
	HasNext          uint8
	NextUnaccepted   uint64
}

type PrepareResp struct {
	PrepareRespHeader
	AcceptedValue []byte
}

func WritePrepareReq(conn net.Conn, deadline time.Time, r PrepareReq) error {
	_, err := SendFixed(conn, deadline, r)
	return err
}

func ReadPrepareReq(conn net.Conn, deadline time.Time) (PrepareReq, error) {
	var r PrepareReq
	ok, err := RecvFixed(conn, deadline, &r)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, xerrors.Protocol("short read on PrepareReq")
	}
	return r, nil
}

func WritePrepareResp(conn net.Conn, deadline time.Time, r PrepareResp) error {
	if _, err := SendFixed(conn, deadline, r.PrepareRespHeader); err != nil {
		return err
	}
	if r.HasAccepted == 1 {
		if _, err := SendSlab(conn, deadline, r.AcceptedValue); err != nil {
			return err
		}
	}
	return nil
}

func ReadPrepareResp(conn net.Conn, deadline time.Time) (PrepareResp, error) {
	var resp PrepareResp
	ok, err := RecvFixed(conn, deadline, &resp.PrepareRespHeader)
	if err != nil {
		return resp, err
	}
	if !ok {
		return resp, xerrors.Protocol("short read on PrepareResp header")
	}
	if resp.HasAccepted == 1 {
		val, ok, err := RecvSlab(conn, deadline, MaxOpBytes)
		if err != nil {
			return resp, err
		}
		if !ok {
			return resp, xerrors.Protocol("short read on PrepareResp value")
		}
		resp.AcceptedValue = val
	}
	return resp, nil
}

// --- Accept ---

type AcceptReqHeader struct {
	Term      proposal.ID
	SlotIndex uint64
}

type AcceptReq struct {
	AcceptReqHeader
	Value []byte
}

type AcceptResp struct {
	HighestSeen proposal.ID
}

func WriteAcceptReq(conn net.Conn, deadline time.Time, r AcceptReq) error {
	if _, err := SendFixed(conn, deadline, r.AcceptReqHeader); err != nil {
		return err
	}
	_, err := SendSlab(conn, deadline, r.Value)
	return err
}

func ReadAcceptReq(conn net.Conn, deadline time.Time) (AcceptReq, error) {
	var req AcceptReq
	ok, err := RecvFixed(conn, deadline, &req.AcceptReqHeader)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, xerrors.Protocol("short read on AcceptReq header")
	}
	val, ok, err := RecvSlab(conn, deadline, MaxOpBytes)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, xerrors.Protocol("short read on AcceptReq value")
	}
	req.Value = val
	return req, nil
}

func WriteAcceptResp(conn net.Conn, deadline time.Time, r AcceptResp) error {
	_, err := SendFixed(conn, deadline, r)
	return err
}

func ReadAcceptResp(conn net.Conn, deadline time.Time) (AcceptResp, error) {
	var r AcceptResp
	ok, err := RecvFixed(conn, deadline, &r)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, xerrors.Protocol("short read on AcceptResp")
	}
	return r, nil
}

// --- Success ---

type SuccessReqHeader struct {
	Term      proposal.ID
	SlotIndex uint64
}

type SuccessReq struct {
	SuccessReqHeader
	Value []byte
}

type SuccessResp struct {
	OK uint8
}

func WriteSuccessReq(conn net.Conn, deadline time.Time, r SuccessReq) error {
	if _, err := SendFixed(conn, deadline, r.SuccessReqHeader); err != nil {
		return err
	}
	_, err := SendSlab(conn, deadline, r.Value)
	return err
}

func ReadSuccessReq(conn net.Conn, deadline time.Time) (SuccessReq, error) {
	var req SuccessReq
	ok, err := RecvFixed(conn, deadline, &req.SuccessReqHeader)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, xerrors.Protocol("short read on SuccessReq header")
	}
	val, ok, err := RecvSlab(conn, deadline, MaxOpBytes)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, xerrors.Protocol("short read on SuccessReq value")
	}
	req.Value = val
	return req, nil
}

func WriteSuccessResp(conn net.Conn, deadline time.Time, r SuccessResp) error {
	_, err := SendFixed(conn, deadline, r)
	return err
}

func ReadSuccessResp(conn net.Conn, deadline time.Time) (SuccessResp, error) {
	var r SuccessResp
	ok, err := RecvFixed(conn, deadline, &r)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, xerrors.Protocol("short read on SuccessResp")
	}
	return r, nil
}

// --- Request (client op, follower -> leader) ---

type RequestReqHeader struct {
	OriginNodeID uint32
	RequestSeq   uint64
}

type RequestReq struct {
	RequestReqHeader
	OpBytes []byte
}

type RequestRespHeader struct {
	Leading uint8
}

type RequestResp struct {
	RequestRespHeader
	Results []byte
}

func WriteRequestReq(conn net.Conn, deadline time.Time, r RequestReq) error {
	if _, err := SendFixed(conn, deadline, r.RequestReqHeader); err != nil {
		return err
	}
	_, err := SendSlab(conn, deadline, r.OpBytes)
	return err
}

func ReadRequestReq(conn net.Conn, deadline time.Time) (RequestReq, error) {
	var req RequestReq
	ok, err := RecvFixed(conn, deadline, &req.RequestReqHeader)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, xerrors.Protocol("short read on RequestReq header")
	}
	op, ok, err := RecvSlab(conn, deadline, MaxOpBytes)
	if err != nil {
		return req, err
	}
	if !ok {
		return req, xerrors.Protocol("short read on RequestReq op")
	}
	req.OpBytes = op
	return req, nil
}

func WriteRequestResp(conn net.Conn, deadline time.Time, r RequestResp) error {
	if _, err := SendFixed(conn, deadline, r.RequestRespHeader); err != nil {
		return err
	}
	_, err := SendSlab(conn, deadline, r.Results)
	return err
}

func ReadRequestResp(conn net.Conn, deadline time.Time) (RequestResp, error) {
	var resp RequestResp
	ok, err := RecvFixed(conn, deadline, &resp.RequestRespHeader)
	if err != nil {
		return resp, err
	}
	if !ok {
		return resp, xerrors.Protocol("short read on RequestResp header")
	}
	res, ok, err := RecvSlab(conn, deadline, MaxOpBytes)
	if err != nil {
		return resp, err
	}
	if !ok {
		return resp, xerrors.Protocol("short read on RequestResp results")
	}
	resp.Results = res
	return resp, nil
}
