// Package connector implements the Connector component of spec §4: the
// listener plus outbound dialer that give each accepted or dialed socket its
// own PeerConnection lifecycle.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/p2pfsp/p2pfsp/internal/node"
	"github.com/p2pfsp/p2pfsp/internal/peerconn"
	"github.com/p2pfsp/p2pfsp/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Connector owns the listening socket and every live peer connection.
type Connector struct {
	listenAddr string
	localID    uint32
	numPieces  int
	node       *node.Node
	log        *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*peerconn.Conn]struct{}
	closing  bool
}

// New returns a Connector that will listen on listenHost:listenPort.
func New(listenHost string, listenPort int, localID uint32, numPieces int, n *node.Node, log *slog.Logger) *Connector {
	return &Connector{
		listenAddr: fmt.Sprintf("%s:%d", listenHost, listenPort),
		localID:    localID,
		numPieces:  numPieces,
		node:       n,
		log:        log.With("src", "connector"),
		conns:      make(map[*peerconn.Conn]struct{}),
	}
}

// Listen opens the listening socket and returns its bound address (useful
// when listenPort was 0). Serve must be called afterward to accept
// connections on it.
func (c *Connector) Listen() (string, error) {
	ln, err := net.Listen("tcp", c.listenAddr)
	if err != nil {
		return "", fmt.Errorf("connector: listen %s: %w", c.listenAddr, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	return ln.Addr().String(), nil
}

// Serve accepts connections on the listener opened by Listen (opening one
// itself if Listen wasn't called first) until ctx is canceled or the
// listener is closed via CloseAll.
func (c *Connector) Serve(ctx context.Context) error {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()

	if ln == nil {
		if _, err := c.Listen(); err != nil {
			return err
		}
		c.mu.Lock()
		ln = c.listener
		c.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				c.log.Warn("accept failed", "error", err)
				continue
			}

			g.Go(func() error {
				return c.handleAccepted(gctx, nc)
			})
		}
	})

	return g.Wait()
}

func (c *Connector) handleAccepted(ctx context.Context, nc net.Conn) error {
	cb := c.node.NewCallbacks(ctx, false)
	conn, err := peerconn.Accept(nc, c.localID, c.numPieces, cb, c.log)
	if err != nil {
		c.log.Warn("inbound handshake failed", "error", err)
		return nil
	}
	if err := c.runConnection(ctx, conn); err != nil {
		c.log.Debug("inbound connection closed", "error", err)
	}
	return nil
}

// Connect dials host:port once and performs the handshake, then runs the
// connection in the background until it closes. Returns the dial/handshake
// error, if any.
func (c *Connector) Connect(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	cb := c.node.NewCallbacks(ctx, true)

	conn, err := peerconn.Dial(ctx, addr, c.localID, c.numPieces, cb, c.log)
	if err != nil {
		return err
	}
	go func() {
		if err := c.runConnection(ctx, conn); err != nil {
			c.log.Debug("outbound connection closed", "error", err)
		}
	}()
	return nil
}

// ConnectWithRetry dials host:port, retrying with exponential backoff
// (1s doubling to 10s, 5 attempts) on failure, per spec §5.
func (c *Connector) ConnectWithRetry(ctx context.Context, host string, port int) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		return c.Connect(ctx, host, port)
	}, retry.WithExponentialBackoff(5, 1*time.Second, 10*time.Second)...)
}

func (c *Connector) runConnection(ctx context.Context, conn *peerconn.Conn) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conns[conn] = struct{}{}
	c.mu.Unlock()

	err := conn.Run(ctx)

	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()

	return err
}

// CloseAll closes the listening socket and every tracked connection. Safe to
// call multiple times; only the first call does anything.
func (c *Connector) CloseAll() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	ln := c.listener
	conns := make([]*peerconn.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			c.log.Warn("error closing listener", "error", err)
		}
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			c.log.Warn("error closing connection", "error", err)
		}
	}
	return nil
}
