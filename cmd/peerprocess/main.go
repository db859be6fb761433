// Command peerprocess runs one participant in a peer-to-peer tit-for-tat
// file transfer, reading Common.cfg and PeerInfo.cfg from the current
// directory the way the original peerProcess driver does.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/p2pfsp/p2pfsp/internal/config"
	"github.com/p2pfsp/p2pfsp/internal/connector"
	"github.com/p2pfsp/p2pfsp/internal/eventlog"
	"github.com/p2pfsp/p2pfsp/internal/layout"
	"github.com/p2pfsp/p2pfsp/internal/logging"
	"github.com/p2pfsp/p2pfsp/internal/node"
	"github.com/p2pfsp/p2pfsp/internal/store"
	"golang.org/x/sync/errgroup"
)

func main() {
	setupLogger()

	if err := run(); err != nil {
		slog.Error("peerprocess exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func run() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: %s <peer_id>", os.Args[0])
	}
	id, err := strconv.ParseUint(os.Args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad peer_id %q: %w", os.Args[1], err)
	}
	selfID := uint32(id)

	common, err := config.LoadCommon("Common.cfg")
	if err != nil {
		return err
	}
	peers, err := config.LoadPeerTable("PeerInfo.cfg")
	if err != nil {
		return err
	}
	self, ok := peers.Get(selfID)
	if !ok {
		return fmt.Errorf("peer_id %d not found in PeerInfo.cfg", selfID)
	}

	dirs := layout.For(".", selfID)
	if err := dirs.Prepare(); err != nil {
		return err
	}

	log := slog.With("peer_id", selfID)

	st, err := store.New(dirs.PiecesDir, common.TotalPieces(), common.PieceSize, common.LastPieceSize(), log)
	if err != nil {
		return err
	}
	if self.HasFile {
		src := dirs.SeedSourcePath(common.FileName)
		if err := st.SliceFromFile(src); err != nil {
			return fmt.Errorf("seed peer %d: %w", selfID, err)
		}
	}

	fileSink, err := eventlog.NewFileSink(selfID, dirs.LogDir)
	if err != nil {
		return err
	}
	events := eventlog.NewSlogMirror(fileSink, log)

	n := node.New(node.Config{
		SelfID:             selfID,
		TotalPieces:        common.TotalPieces(),
		KPreferred:         common.NumPreferredNeighbors,
		PreferredInterval:  time.Duration(common.UnchokingInterval) * time.Second,
		OptimisticInterval: time.Duration(common.OptimisticUnchokingInterval) * time.Second,
		AllPeerIDs:         peers.AllIDs(),
		FileName:           common.FileName,
	}, st, events, log)

	conn := connector.New(self.Host, self.Port, selfID, common.TotalPieces(), n, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error {
		if err := conn.Serve(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	for _, earlier := range peers.EarlierPeers(selfID) {
		earlier := earlier
		g.Go(func() error {
			if err := conn.ConnectWithRetry(gctx, earlier.Host, earlier.Port); err != nil {
				log.Warn("failed to connect to earlier peer", "remote_id", earlier.PeerID, "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-n.Done():
			log.Info("download complete, every known peer has the full file")
			stop()
		case <-gctx.Done():
		}
		return nil
	})

	waitErr := g.Wait()

	st.Cleanup()
	if err := conn.CloseAll(); err != nil {
		log.Warn("error closing connector", "error", err)
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}
