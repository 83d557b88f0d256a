package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout, both directions:
//
//	[4B length][1B opcode][4B request id][payload]
//
// length counts everything after itself. Replies echo the opcode and
// request id of the request they answer, so clients may pipeline.
const (
	frameLenSize  = 4
	frameMetaSize = 5

	// FrameOverhead is the on-wire cost of a frame beyond its payload.
	FrameOverhead = frameLenSize + frameMetaSize

	// DefaultMaxFrame bounds a single frame. Control messages are tens of
	// bytes; anything near this limit is a broken or hostile peer.
	DefaultMaxFrame = 1 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the configured cap.
	ErrFrameTooLarge = errors.New("proto: frame exceeds maximum size")
	// ErrShortFrame is returned when a frame is too small to carry the
	// opcode and request id.
	ErrShortFrame = errors.New("proto: frame shorter than header")
)

// WriteFrame writes one frame. The payload is copied into a single buffer
// so the frame goes out in one Write call.
func WriteFrame(w io.Writer, op Opcode, reqID uint32, payload []byte) error {
	frame := make([]byte, frameLenSize+frameMetaSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(frameMetaSize+len(payload)))
	frame[4] = byte(op)
	binary.BigEndian.PutUint32(frame[5:9], reqID)
	copy(frame[9:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadFrame reads one frame, enforcing maxFrame (DefaultMaxFrame when 0).
// io.EOF is returned unwrapped when the connection closes cleanly between
// frames.
func ReadFrame(r io.Reader, maxFrame uint32) (Opcode, uint32, []byte, error) {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}

	var head [frameLenSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, nil, io.EOF
		}

		return 0, 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(head[:])
	if length < frameMetaSize {
		return 0, 0, nil, ErrShortFrame
	}

	if length > maxFrame {
		return 0, 0, nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, 0, nil, fmt.Errorf("read frame body: %w", err)
	}

	op := Opcode(body[0])
	reqID := binary.BigEndian.Uint32(body[1:5])

	return op, reqID, body[5:], nil
}
