package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize bounds a single frame's payload. A length prefix above
// this is treated as a Framing fault (impossibly large), not decoded.
const MaxFrameSize = 64 * 1024 * 1024

// ErrFrameTooLarge is the Framing fault for a length prefix that
// cannot plausibly belong to this protocol.
var ErrFrameTooLarge = errors.New("wire: frame length exceeds maximum")

// EncodeFrame prefixes payload with its big-endian uint32 length. A
// nil or empty payload encodes the heartbeat beacon (length 0, no
// body).
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// ReadFrame reads one length-prefixed frame from r. It returns a nil,
// non-error payload for a zero-length heartbeat frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// FrameReader incrementally parses complete frames out of a byte
// stream as they arrive, for callers that read from the socket in
// arbitrary-sized chunks rather than one frame at a time. Feed
// appends bytes; Next pops complete frames in arrival order.
type FrameReader struct {
	buf []byte
}

// Feed appends newly-read bytes to the internal buffer.
func (f *FrameReader) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// Next extracts the next complete frame, if any. ok is false when
// the buffer doesn't yet hold a full frame. A zero-length frame
// yields ok=true, payload=nil (heartbeat) so the caller can still
// distinguish "no frame yet" from "heartbeat frame".
func (f *FrameReader) Next() (payload []byte, ok bool, err error) {
	if len(f.buf) < 4 {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(f.buf[:4])
	if n > MaxFrameSize {
		return nil, false, ErrFrameTooLarge
	}
	total := 4 + int(n)
	if len(f.buf) < total {
		return nil, false, nil
	}

	if n == 0 {
		f.buf = f.buf[total:]
		return nil, true, nil
	}

	payload = make([]byte, n)
	copy(payload, f.buf[4:total])
	f.buf = f.buf[total:]
	return payload, true, nil
}
