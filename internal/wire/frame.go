// Package wire implements the length-prefixed framing and AES-256-GCM
// payload encryption shared by the TCP control protocol and the UDP voip
// relay.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortRead is returned by ReadLength when fewer than four bytes of a
// length header could be read before the stream ended.
var ErrShortRead = errors.New("wire: short read on length header")

// MaxFrameLen bounds a single frame's payload size (the UDP relay's
// datagram ceiling; TCP frames are not otherwise bounded by the protocol).
const MaxFrameLen = 65536

// ReadLength reads the four-byte big-endian length header from r.
func ReadLength(r io.Reader) (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, ErrShortRead
		}
		return 0, fmt.Errorf("wire: read length header: %w", err)
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}

// ReadMessage reads one length-prefixed frame and returns its payload bytes
// unmodified (the caller is responsible for decryption).
func ReadMessage(r io.Reader) ([]byte, error) {
	n, err := ReadLength(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return buf, nil
}

// WriteMessage writes a length header followed by payload. Callers must
// serialize concurrent writers themselves (the per-connection writer
// mutex described in the concurrency model) — WriteMessage issues exactly
// one underlying Write call for the header and one for the body, so a
// caller holding its own lock gets atomic framing from the caller's
// viewpoint.
func WriteMessage(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write length header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}
