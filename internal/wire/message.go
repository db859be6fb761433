package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType is the 1-byte wire message type tag.
type MessageType uint8

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// MaxFrame is the largest allowed frame LEN field.
const MaxFrame = 10 * 1024 * 1024

var (
	// ErrBadLength is returned when a frame's LEN field is 0 or exceeds
	// MaxFrame. Fatal to the connection per spec.
	ErrBadLength = errors.New("wire: frame length out of bounds")
	// ErrShortPayload is returned when a fixed-size payload (HAVE,
	// REQUEST) has the wrong length. Fatal to the connection per spec.
	ErrShortPayload = errors.New("wire: short payload")
	// ErrUnknownType marks a decoded frame whose type byte isn't one of
	// the eight known message types. Not fatal: the frame is dropped and
	// the connection stays open.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Frame is one decoded message: a type tag plus its payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// EncodeFrame serializes t and payload into the wire frame
// LEN(4B) | TYPE(1B) | PAYLOAD.
func EncodeFrame(t MessageType, payload []byte) ([]byte, error) {
	length := 1 + len(payload)
	if length < 1 || length > MaxFrame {
		return nil, ErrBadLength
	}
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(t)
	copy(buf[5:], payload)
	return buf, nil
}

// WriteFrame writes an encoded frame to w.
func WriteFrame(w io.Writer, t MessageType, payload []byte) error {
	b, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decoder accumulates bytes from a connection and yields complete frames as
// they become available. It is the append-only inbound buffer described in
// spec §4.1; partial-frame state is the buffer itself.
type Decoder struct {
	buf []byte
}

// Feed appends newly-read bytes to the decoder's buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next complete frame in the buffer, if any. ok is false
// when more bytes are needed. err is non-nil (and fatal to the connection)
// when the LEN field is out of bounds.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	if len(d.buf) < 4 {
		return Frame{}, false, nil
	}
	length := binary.BigEndian.Uint32(d.buf[:4])
	if length == 0 || length > MaxFrame {
		return Frame{}, false, ErrBadLength
	}
	total := 4 + int(length)
	if len(d.buf) < total {
		return Frame{}, false, nil
	}

	t := MessageType(d.buf[4])
	payload := make([]byte, length-1)
	copy(payload, d.buf[5:total])

	d.buf = d.buf[total:]

	return Frame{Type: t, Payload: payload}, true, nil
}

// EncodeHave encodes a HAVE payload.
func EncodeHave(index uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, index)
	return b
}

// DecodeHave decodes a HAVE payload. Returns ErrShortPayload if not exactly
// 4 bytes.
func DecodeHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ErrShortPayload
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeRequest encodes a REQUEST payload.
func EncodeRequest(index uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, index)
	return b
}

// DecodeRequest decodes a REQUEST payload. Returns ErrShortPayload if not
// exactly 4 bytes.
func DecodeRequest(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ErrShortPayload
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodePiece encodes a PIECE payload: 4B big-endian index followed by data.
func EncodePiece(index uint32, data []byte) []byte {
	b := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(b[:4], index)
	copy(b[4:], data)
	return b
}

// DecodePiece decodes a PIECE payload into an index and the trailing data.
// Returns ErrShortPayload if shorter than 4 bytes.
func DecodePiece(payload []byte) (uint32, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, ErrShortPayload
	}
	return binary.BigEndian.Uint32(payload[:4]), payload[4:], nil
}
