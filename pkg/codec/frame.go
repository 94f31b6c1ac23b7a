package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen bounds a single wire frame so a corrupt or hostile peer
// cannot force an unbounded read before the frame is even classified.
const maxFrameLen = 32 << 20

// Frame is a single peer protocol message: a length-prefixed envelope
// carrying a message type, an optional request/response correlation id,
// and an opaque payload whose shape depends on Type.
type Frame struct {
	Type      uint8
	RequestID uint16 // 0 for messages that are not part of a request/response pair.
	Payload   []byte
}

// WriteFrame writes f to w as: u32 length (of everything that follows),
// u8 type, u16 request id, payload.
func WriteFrame(w io.Writer, f Frame) error {
	body := make([]byte, 1+2+len(f.Payload))
	body[0] = f.Type
	binary.BigEndian.PutUint16(body[1:3], f.RequestID)
	copy(body[3:], f.Payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r, enforcing maxFrameLen.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return Frame{}, fmt.Errorf("frame length %d exceeds max %d", n, maxFrameLen)
	}
	if n < 3 {
		return Frame{}, fmt.Errorf("frame length %d too short for header", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	return Frame{
		Type:      body[0],
		RequestID: binary.BigEndian.Uint16(body[1:3]),
		Payload:   body[3:],
	}, nil
}
