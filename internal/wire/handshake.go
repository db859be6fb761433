package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"io"
)

// header is the fixed 18-byte ASCII literal that opens every handshake,
// followed by 10 zero bytes and a 4-byte big-endian peer id.
const header = "P2PFILESHARINGPRO\x00"

const (
	headerLen    = len(header) // 18
	zerosLen     = 10
	peerIDLen    = 4
	HandshakeLen = headerLen + zerosLen + peerIDLen // 32
)

var zeros [zerosLen]byte

// ErrBadHandshake is returned when the 28-byte header+padding prefix of a
// handshake frame does not match exactly.
var ErrBadHandshake = errors.New("wire: bad handshake")

// Handshake is the fixed 32-byte frame exchanged as the first bytes on every
// connection: 18-byte header, 10 zero bytes, 4-byte big-endian peer id.
type Handshake struct {
	PeerID uint32
}

var (
	_ encoding.BinaryMarshaler   = Handshake{}
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = Handshake{}
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a handshake frame for the given peer id.
func NewHandshake(peerID uint32) Handshake {
	return Handshake{PeerID: peerID}
}

// MarshalBinary encodes the handshake into its 32-byte wire representation.
func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeLen)
	copy(buf, header)
	copy(buf[headerLen:], zeros[:])
	binary.BigEndian.PutUint32(buf[headerLen+zerosLen:], h.PeerID)
	return buf, nil
}

// UnmarshalBinary decodes a 32-byte handshake frame. It returns
// ErrBadHandshake if the 28-byte header+padding prefix doesn't match, or if b
// is short.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) != HandshakeLen {
		return ErrBadHandshake
	}
	if string(b[:headerLen]) != header {
		return ErrBadHandshake
	}
	for _, z := range b[headerLen : headerLen+zerosLen] {
		if z != 0 {
			return ErrBadHandshake
		}
	}
	h.PeerID = binary.BigEndian.Uint32(b[headerLen+zerosLen:])
	return nil
}

// WriteTo implements io.WriterTo.
func (h Handshake) WriteTo(w io.Writer) (int64, error) {
	b, _ := h.MarshalBinary()
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom. It reads exactly HandshakeLen bytes.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HandshakeLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), err
	}
	return int64(n), h.UnmarshalBinary(buf)
}

// ReadHandshake reads and decodes a handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}
