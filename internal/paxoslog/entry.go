package paxoslog

import (
	"encoding/binary"

	"github.com/kvquorum/paxosd/internal/xerrors"
)

// EncodeEntry packs an Entry into the bytes stored as a slot's accepted
// value: OriginNodeID, RequestSeq, then the raw OpBytes. The core treats
// the result as opaque; only EncodeEntry/DecodeEntry and the external
// operation codec understand its shape.
func EncodeEntry(e Entry) []byte {
	buf := make([]byte, 4+8+len(e.OpBytes))
	binary.LittleEndian.PutUint32(buf[0:4], e.OriginNodeID)
	binary.LittleEndian.PutUint64(buf[4:12], e.RequestSeq)
	copy(buf[12:], e.OpBytes)
	return buf
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) < 12 {
		return Entry{}, xerrors.Protocol("entry payload shorter than header")
	}
	origin := binary.LittleEndian.Uint32(b[0:4])
	seq := binary.LittleEndian.Uint64(b[4:12])
	op := make([]byte, len(b)-12)
	copy(op, b[12:])
	return Entry{OriginNodeID: origin, RequestSeq: seq, OpBytes: op}, nil
}
