// Package wire implements the fixed-width framing described in the design:
// send writes exactly binary.Size(v) bytes of v's representation, receive
// reads exactly that many bytes back. There is no endianness negotiation;
// the protocol assumes a single fixed byte order across the cluster
// (little-endian is fixed here for determinism, since cross-architecture
// interop is explicitly out of scope).
package wire

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/kvquorum/paxosd/internal/xerrors"
)

// byteOrder is the one fixed order used cluster-wide.
var byteOrder = binary.LittleEndian

// SendFixed writes the fixed-size binary representation of v to conn,
// bounded by deadline. It reports whether exactly binary.Size(v) bytes were
// written.
func SendFixed(conn net.Conn, deadline time.Time, v any) (bool, error) {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return false, xerrors.Transport(err, "set write deadline")
	}
	if err := binary.Write(conn, byteOrder, v); err != nil {
		return false, xerrors.Transport(err, "send fixed frame")
	}
	return true, nil
}

// RecvFixed reads exactly binary.Size(v)'s worth of bytes from conn into v,
// bounded by deadline. It reports whether the full frame was read.
func RecvFixed(conn net.Conn, deadline time.Time, v any) (bool, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false, xerrors.Transport(err, "set read deadline")
	}
	if err := binary.Read(conn, byteOrder, v); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, xerrors.Transport(err, "recv fixed frame")
		}
		return false, xerrors.Transport(err, "recv fixed frame")
	}
	return true, nil
}

// SendSlab writes a length-prefixed variable-length byte slab: a uint32
// length followed by that many bytes. This is how opaque operation
// payloads (and other variable-length fields) flow through the otherwise
// fixed-width codec.
func SendSlab(conn net.Conn, deadline time.Time, b []byte) (bool, error) {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return false, xerrors.Transport(err, "set write deadline")
	}
	n := uint32(len(b))
	if err := binary.Write(conn, byteOrder, n); err != nil {
		return false, xerrors.Transport(err, "send slab length")
	}
	if n == 0 {
		return true, nil
	}
	if _, err := conn.Write(b); err != nil {
		return false, xerrors.Transport(err, "send slab body")
	}
	return true, nil
}

// RecvSlab reads a length-prefixed variable-length byte slab written by
// SendSlab. maxLen bounds the length field to guard against a corrupt or
// hostile peer requesting an unbounded allocation.
func RecvSlab(conn net.Conn, deadline time.Time, maxLen uint32) ([]byte, bool, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, false, xerrors.Transport(err, "set read deadline")
	}
	var n uint32
	if err := binary.Read(conn, byteOrder, &n); err != nil {
		return nil, false, xerrors.Transport(err, "recv slab length")
	}
	if n > maxLen {
		return nil, false, xerrors.Protocol("slab length exceeds maximum")
	}
	if n == 0 {
		return []byte{}, true, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, false, xerrors.Transport(err, "recv slab body")
	}
	return buf, true, nil
}
