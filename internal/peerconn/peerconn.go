// Package peerconn implements the PeerConnection component of spec §4.5: the
// per-socket state machine that performs the handshake and then shuttles
// framed messages to and from a single logic callback.
package peerconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/p2pfsp/p2pfsp/internal/bitfield"
	"github.com/p2pfsp/p2pfsp/internal/wire"
	"golang.org/x/sync/errgroup"
)

// State is where a PeerConnection sits in its Opened -> Handshaking ->
// Established -> Closed lifecycle.
type State int

const (
	Opened State = iota
	Handshaking
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Opened:
		return "opened"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// HandshakeTimeout is how long a connection waits for the peer's handshake
// before giving up.
const HandshakeTimeout = 5 * time.Second

const outboundQueueLen = 64

// ErrNotEstablished is returned by Send* methods called before the
// handshake has completed.
var ErrNotEstablished = errors.New("peerconn: connection not established")

// Callbacks is the logic side's view of an established connection.
// OnHandshake is invoked from the goroutine calling Dial or Accept, OnClosed
// from the goroutine running Run, and every other method from the
// connection's read loop goroutine; callers that
// need single-actor semantics across many connections must post these calls
// into their own serializing mailbox rather than mutate shared state here
// directly.
type Callbacks interface {
	// OnHandshake delivers the learned remote peer id together with a
	// Commands capability bound to this same connection, resolving the
	// connection/logic cyclic reference by making them the same object.
	OnHandshake(remoteID uint32, wire Commands)
	OnChoke()
	OnUnchoke()
	OnInterested()
	OnNotInterested()
	OnHave(pieceIdx int)
	OnBitfield(bits *bitfield.Bitfield)
	OnRequest(pieceIdx int)
	OnPiece(pieceIdx int, data []byte)
	OnClosed(err error)
}

// Commands is the wire-sending capability exposed to logic callbacks. *Conn
// implements it directly.
type Commands interface {
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(pieceIdx int) error
	SendBitfield(bits *bitfield.Bitfield) error
	SendRequest(pieceIdx int) error
	SendPiece(pieceIdx int, data []byte) error
	Close() error
}

var _ Commands = (*Conn)(nil)

// Conn is one peer connection: the wire socket, its handshake/established
// state, and the outbound write queue.
type Conn struct {
	nc       net.Conn
	localID  uint32
	remoteID uint32
	numPieces int

	log *slog.Logger
	cb  Callbacks

	outq   chan wire.Frame
	state  State
	cancel context.CancelFunc
}

// Dial opens a TCP connection to addr, performs the handshake as the
// initiating side, and returns an established Conn.
func Dial(ctx context.Context, addr string, localID uint32, numPieces int, cb Callbacks, log *slog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}
	return newConn(nc, localID, numPieces, cb, log)
}

// Accept wraps an already-accepted net.Conn and performs the handshake as
// the receiving side.
func Accept(nc net.Conn, localID uint32, numPieces int, cb Callbacks, log *slog.Logger) (*Conn, error) {
	return newConn(nc, localID, numPieces, cb, log)
}

func newConn(nc net.Conn, localID uint32, numPieces int, cb Callbacks, log *slog.Logger) (*Conn, error) {
	c := &Conn{
		nc:        nc,
		localID:   localID,
		numPieces: numPieces,
		log:       log.With("remote_addr", nc.RemoteAddr().String()),
		cb:        cb,
		outq:      make(chan wire.Frame, outboundQueueLen),
		state:     Opened,
	}

	if err := c.handshake(); err != nil {
		nc.Close()
		return nil, err
	}

	return c, nil
}

func (c *Conn) handshake() error {
	c.state = Handshaking
	_ = c.nc.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer c.nc.SetDeadline(time.Time{})

	if err := wire.WriteHandshake(c.nc, wire.NewHandshake(c.localID)); err != nil {
		return fmt.Errorf("peerconn: send handshake: %w", err)
	}
	hs, err := wire.ReadHandshake(c.nc)
	if err != nil {
		return fmt.Errorf("peerconn: recv handshake: %w", err)
	}

	c.remoteID = hs.PeerID
	c.state = Established
	c.log = c.log.With("remote_id", c.remoteID)
	c.cb.OnHandshake(c.remoteID, c)
	return nil
}

// RemoteID returns the peer id learned from the handshake.
func (c *Conn) RemoteID() uint32 { return c.remoteID }

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return c.state }

// Run drives the connection's read and write loops until ctx is canceled or
// an unrecoverable I/O error occurs. It returns after both loops exit.
func (c *Conn) Run(ctx context.Context) error {
	childCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(childCtx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })

	err := g.Wait()
	c.state = Closed
	c.nc.Close()
	c.cb.OnClosed(err)
	return err
}

// Close tears down the connection, causing Run to return.
func (c *Conn) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.nc.Close()
}

func (c *Conn) readLoop(ctx context.Context) error {
	r := bufio.NewReader(c.nc)
	var dec wire.Decoder
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, ok, ferr := dec.Next()
				if ferr != nil {
					return fmt.Errorf("peerconn: %w", ferr)
				}
				if !ok {
					break
				}
				if derr := c.dispatch(frame); derr != nil {
					if !errors.Is(derr, wire.ErrUnknownType) {
						return fmt.Errorf("peerconn: %w", derr)
					}
					c.log.Debug("peerconn: dropping frame", "err", derr)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("peerconn: read: %w", err)
		}
	}
}

func (c *Conn) dispatch(f wire.Frame) error {
	switch f.Type {
	case wire.Choke:
		c.cb.OnChoke()
	case wire.Unchoke:
		c.cb.OnUnchoke()
	case wire.Interested:
		c.cb.OnInterested()
	case wire.NotInterested:
		c.cb.OnNotInterested()
	case wire.Have:
		idx, err := wire.DecodeHave(f.Payload)
		if err != nil {
			return err
		}
		c.cb.OnHave(int(idx))
	case wire.Bitfield:
		c.cb.OnBitfield(bitfield.FromBytes(c.numPieces, f.Payload))
	case wire.Request:
		idx, err := wire.DecodeRequest(f.Payload)
		if err != nil {
			return err
		}
		c.cb.OnRequest(int(idx))
	case wire.Piece:
		idx, data, err := wire.DecodePiece(f.Payload)
		if err != nil {
			return err
		}
		c.cb.OnPiece(int(idx), data)
	default:
		return wire.ErrUnknownType
	}
	return nil
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.outq:
			if err := wire.WriteFrame(c.nc, f.Type, f.Payload); err != nil {
				return fmt.Errorf("peerconn: write: %w", err)
			}
		}
	}
}

func (c *Conn) enqueue(t wire.MessageType, payload []byte) error {
	if c.state != Established {
		return ErrNotEstablished
	}
	select {
	case c.outq <- wire.Frame{Type: t, Payload: payload}:
		return nil
	default:
		return fmt.Errorf("peerconn: outbound queue full")
	}
}

func (c *Conn) SendChoke() error         { return c.enqueue(wire.Choke, nil) }
func (c *Conn) SendUnchoke() error       { return c.enqueue(wire.Unchoke, nil) }
func (c *Conn) SendInterested() error    { return c.enqueue(wire.Interested, nil) }
func (c *Conn) SendNotInterested() error { return c.enqueue(wire.NotInterested, nil) }

func (c *Conn) SendHave(pieceIdx int) error {
	return c.enqueue(wire.Have, wire.EncodeHave(uint32(pieceIdx)))
}

func (c *Conn) SendBitfield(bits *bitfield.Bitfield) error {
	return c.enqueue(wire.Bitfield, bits.Bytes())
}

func (c *Conn) SendRequest(pieceIdx int) error {
	return c.enqueue(wire.Request, wire.EncodeRequest(uint32(pieceIdx)))
}

func (c *Conn) SendPiece(pieceIdx int, data []byte) error {
	return c.enqueue(wire.Piece, wire.EncodePiece(uint32(pieceIdx), data))
}
