// Package wire implements the render-farm wire format: every message is an
// 8-byte big-endian length prefix followed by that many bytes of UTF-8 JSON.
// UPLOAD and FRAME messages are followed by raw payload bytes whose length is
// named in the header; the payload is not part of the framed region.
//
// The same framing is used on every hop: client to server, server to child
// server, and server to the local render worker.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"
)

const (
	headerSize = 8

	// MaxHeader caps the framed JSON region. Headers are small control
	// messages; anything larger is a corrupt or hostile stream.
	MaxHeader = 1 << 20
)

var order = binary.BigEndian

// ReadHeader reads one length-prefixed JSON header from r and returns the raw
// JSON bytes, without the prefix. Forwarders relay the returned slice
// verbatim with WriteRaw, so a relayed message is byte-identical to the
// original. Reads loop until the full region arrives; a connection closed at
// a frame boundary surfaces as io.EOF, mid-frame as io.ErrUnexpectedEOF.
func ReadHeader(r io.Reader) ([]byte, error) {
	var prefix [headerSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := order.Uint64(prefix[:])
	if size == 0 || size > MaxHeader {
		return nil, trace.BadParameter("invalid header length %d", size)
	}
	header := make([]byte, size)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return header, nil
}

// ReadPayload reads exactly size raw payload bytes following a header.
func ReadPayload(r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, trace.BadParameter("invalid payload length %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF && size > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteRaw frames pre-encoded header bytes onto w.
func WriteRaw(w io.Writer, header []byte) error {
	var prefix [headerSize]byte
	order.PutUint64(prefix[:], uint64(len(header)))
	if _, err := w.Write(prefix[:]); err != nil {
		return trace.Wrap(err)
	}
	if _, err := w.Write(header); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// WriteMessage JSON-encodes msg and frames it onto w.
func WriteMessage(w io.Writer, msg any) error {
	header, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	return WriteRaw(w, header)
}
