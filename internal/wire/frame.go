// Package wire carries analysis requests over a stream socket as
// length-prefixed frames: a 4-byte big-endian payload length followed by
// the payload. A frame is only returned once it has been read in full.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultMaxPayload bounds a single frame.
const DefaultMaxPayload = 64 << 20

const headerSize = 4

var (
	// ErrFrameTooLarge is returned for frames above the payload limit. The
	// stream cannot be resynchronised after it.
	ErrFrameTooLarge = errors.New("frame exceeds payload limit")
)

// WriteFrame writes payload as one frame.
func WriteFrame(w io.Writer, payload []byte, maxPayload uint32) error {
	if uint64(len(payload)) > uint64(maxPayload) {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(payload), maxPayload)
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	bufs := net.Buffers{hdr[:], payload}
	_, err := bufs.WriteTo(w)
	return err
}

// ReadFrame reads one frame. It returns io.EOF only when the stream ends
// cleanly between frames; a stream that ends inside a frame yields
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxPayload uint32) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, maxPayload)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReadFrameDeadline reads one frame from conn, which must arrive in full
// within timeout. A zero timeout waits forever.
func ReadFrameDeadline(conn net.Conn, maxPayload uint32, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return ReadFrame(conn, maxPayload)
}
