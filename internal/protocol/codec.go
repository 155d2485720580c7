package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encode frames a message: header (type, length) followed by payload.
func Encode(typ MessageType, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(typ))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode attempts to decode one message from the front of buf, which may
// hold a partial message or several back-to-back. It returns the decoded
// message and the number of bytes consumed.
//
// ErrIncomplete means more bytes are needed; the caller keeps the buffer
// and retries after the next read. ErrMalformedHeader and ErrOversized are
// fatal to the connection. The length ceiling is enforced before the
// payload is touched, so a hostile peer cannot force a large allocation by
// declaring one.
func Decode(buf []byte, maxSize uint32) (Message, int, error) {
	if len(buf) < HeaderSize {
		return Message{}, 0, ErrIncomplete
	}

	typ := MessageType(binary.BigEndian.Uint32(buf[0:4]))
	if !typ.Valid() {
		return Message{}, 0, fmt.Errorf("%w: %d", ErrMalformedHeader, uint32(typ))
	}

	length := binary.BigEndian.Uint32(buf[4:8])
	if length > maxSize {
		return Message{}, 0, fmt.Errorf("%w: %d > %d", ErrOversized, length, maxSize)
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return Message{}, 0, ErrIncomplete
	}

	// Copy the payload out so the caller can compact its receive buffer.
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])

	return Message{Type: typ, Payload: payload}, total, nil
}

// WriteMessage writes a framed message to w. The header is written
// separately from the payload to avoid copying large screenshot or file
// chunk payloads into an intermediate buffer.
func WriteMessage(w io.Writer, typ MessageType, payload []byte) error {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(typ))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads exactly one framed message from r. It applies the same
// validation as Decode and is used where a blocking read loop is simpler
// than buffer management (tests, client-side helpers).
func ReadMessage(r io.Reader, maxSize uint32) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	typ := MessageType(binary.BigEndian.Uint32(header[0:4]))
	if !typ.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrMalformedHeader, uint32(typ))
	}

	length := binary.BigEndian.Uint32(header[4:8])
	if length > maxSize {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrOversized, length, maxSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: typ, Payload: payload}, nil
}
