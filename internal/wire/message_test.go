package wire

import (
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     MessageType
		payload []byte
	}{
		{"choke", Choke, nil},
		{"unchoke", Unchoke, nil},
		{"interested", Interested, nil},
		{"not_interested", NotInterested, nil},
		{"have", Have, EncodeHave(3)},
		{"bitfield", Bitfield, []byte{0xA8}},
		{"request", Request, EncodeRequest(2)},
		{"piece", Piece, EncodePiece(1, []byte("AB"))},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := EncodeFrame(c.typ, c.payload)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}

			d := &Decoder{}
			d.Feed(b)
			frame, ok, err := d.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				t.Fatal("Next: expected a decoded frame")
			}
			if frame.Type != c.typ {
				t.Fatalf("type = %v, want %v", frame.Type, c.typ)
			}
			if len(frame.Payload) != len(c.payload) {
				t.Fatalf("payload len = %d, want %d", len(frame.Payload), len(c.payload))
			}
			if len(d.buf) != 0 {
				t.Fatalf("decoder should have consumed exactly 5+len(payload) bytes, %d left over", len(d.buf))
			}
		})
	}
}

func TestDecoderNeedsMoreBytes(t *testing.T) {
	b, _ := EncodeFrame(Have, EncodeHave(9))

	d := &Decoder{}
	d.Feed(b[:3])
	if _, ok, err := d.Next(); ok || err != nil {
		t.Fatalf("expected need-more-bytes, got ok=%v err=%v", ok, err)
	}

	d.Feed(b[3:])
	frame, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete frame after feeding rest, ok=%v err=%v", ok, err)
	}
	idx, err := DecodeHave(frame.Payload)
	if err != nil || idx != 9 {
		t.Fatalf("DecodeHave = (%d, %v), want (9, nil)", idx, err)
	}
}

func TestDecoderRejectsOversizeFrame(t *testing.T) {
	d := &Decoder{}
	var hdr [4]byte
	hdr[0], hdr[1], hdr[2], hdr[3] = 0xFF, 0xFF, 0xFF, 0xFF
	d.Feed(hdr[:])

	if _, _, err := d.Next(); !errors.Is(err, ErrBadLength) {
		t.Fatalf("want ErrBadLength, got %v", err)
	}
}

func TestDecoderRejectsZeroLength(t *testing.T) {
	d := &Decoder{}
	d.Feed([]byte{0, 0, 0, 0})

	if _, _, err := d.Next(); !errors.Is(err, ErrBadLength) {
		t.Fatalf("want ErrBadLength, got %v", err)
	}
}

func TestDecodeHaveRequestShortPayload(t *testing.T) {
	if _, err := DecodeHave([]byte{1, 2, 3}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("DecodeHave want ErrShortPayload, got %v", err)
	}
	if _, err := DecodeRequest([]byte{1, 2}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("DecodeRequest want ErrShortPayload, got %v", err)
	}
}

func TestDecodePieceShortPayload(t *testing.T) {
	if _, _, err := DecodePiece([]byte{1, 2}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("DecodePiece want ErrShortPayload, got %v", err)
	}
}

func TestMultipleFramesInOneFeed(t *testing.T) {
	b1, _ := EncodeFrame(Choke, nil)
	b2, _ := EncodeFrame(Unchoke, nil)

	d := &Decoder{}
	d.Feed(append(append([]byte(nil), b1...), b2...))

	f1, ok, err := d.Next()
	if err != nil || !ok || f1.Type != Choke {
		t.Fatalf("first frame = %+v, ok=%v err=%v", f1, ok, err)
	}
	f2, ok, err := d.Next()
	if err != nil || !ok || f2.Type != Unchoke {
		t.Fatalf("second frame = %+v, ok=%v err=%v", f2, ok, err)
	}
}
