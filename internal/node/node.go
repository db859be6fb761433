// Package node implements the PeerNode policy core of spec §4.6: the
// neighbor registry, interest/choke/request policy, and the two periodic
// choking loops, integrated with PieceStore, RequestManager and
// ChokingManager.
//
// All mutable state here is owned by a single goroutine (the mailbox loop
// started by Run) and is never touched from any other goroutine, satisfying
// the single-threaded cooperative scheduling model spec §5 requires without
// any locking. Every per-connection callback reaches this state only by
// posting a closure onto the mailbox channel; the two periodic timers are
// handled inside the same loop.
package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/p2pfsp/p2pfsp/internal/bitfield"
	"github.com/p2pfsp/p2pfsp/internal/choke"
	"github.com/p2pfsp/p2pfsp/internal/eventlog"
	"github.com/p2pfsp/p2pfsp/internal/peerconn"
	"github.com/p2pfsp/p2pfsp/internal/reqmgr"
	"github.com/p2pfsp/p2pfsp/internal/store"
)

// neighbor is the per-connected-peer state the spec calls NeighborState
// plus the logic-side fields that live alongside it.
type neighbor struct {
	peerID             uint32
	wire               peerconn.Commands
	theirBits          *bitfield.Bitfield
	weChokeThem        bool
	theyChokeUs        bool
	theyInterestedInUs bool
	sentBitfield       bool
}

// Config bundles a Node's fixed parameters, derived from Common.cfg and
// PeerInfo.cfg by the caller. The piece store itself is built externally
// (seed peers need their source file sliced first) and passed to New.
type Config struct {
	SelfID             uint32
	TotalPieces        int
	KPreferred         int
	PreferredInterval  time.Duration
	OptimisticInterval time.Duration
	AllPeerIDs         []uint32
	FileName           string
}

// Node is the policy core for one peer process.
type Node struct {
	totalPieces        int
	selfID             uint32
	fileName           string
	preferredInterval  time.Duration
	optimisticInterval time.Duration
	allPeerIDs         map[uint32]bool

	store    *store.Store
	requests *reqmgr.Manager
	choking  *choke.Manager
	events   eventlog.Sink
	log      *slog.Logger

	neighbors     map[uint32]*neighbor
	completePeers map[uint32]bool

	mailbox  chan func()
	done     chan struct{}
	doneFire bool
}

// New builds a Node. For a seed peer, the caller must have already sliced
// the seed source file into st's piece store before calling New.
func New(cfg Config, st *store.Store, events eventlog.Sink, log *slog.Logger) *Node {
	allPeers := make(map[uint32]bool, len(cfg.AllPeerIDs))
	for _, id := range cfg.AllPeerIDs {
		allPeers[id] = true
	}

	n := &Node{
		totalPieces:        cfg.TotalPieces,
		selfID:             cfg.SelfID,
		fileName:           cfg.FileName,
		preferredInterval:  cfg.PreferredInterval,
		optimisticInterval: cfg.OptimisticInterval,
		allPeerIDs:         allPeers,
		store:              st,
		requests:           reqmgr.New(cfg.TotalPieces),
		choking:            choke.New(cfg.KPreferred),
		events:             events,
		log:                log.With("src", "node"),
		neighbors:          make(map[uint32]*neighbor),
		completePeers:      make(map[uint32]bool),
		mailbox:            make(chan func()),
		done:               make(chan struct{}),
	}

	if st.Bitfield().Full() {
		n.completePeers[n.selfID] = true
	}
	n.checkGlobalCompletion()

	return n
}

// Done returns a channel closed exactly once, the moment every known peer
// id (including self) is recorded complete.
func (n *Node) Done() <-chan struct{} { return n.done }

// Run drives the mailbox loop and the two choking timers until ctx is
// canceled.
func (n *Node) Run(ctx context.Context) error {
	preferred := time.NewTicker(n.preferredInterval)
	optimistic := time.NewTicker(n.optimisticInterval)
	defer preferred.Stop()
	defer optimistic.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-n.mailbox:
			f()
		case <-preferred.C:
			n.runPreferredTick()
		case <-optimistic.C:
			n.runOptimisticTick()
		}
	}
}

// post enqueues f to run on the mailbox loop, blocking until it is accepted
// or ctx is done.
func (n *Node) post(ctx context.Context, f func()) {
	select {
	case n.mailbox <- f:
	case <-ctx.Done():
	}
}

// NewCallbacks returns a peerconn.Callbacks bound to this Node for one
// connection. outbound records which side dialed, purely for the
// makes-connection-to / connected-from event distinction.
func (n *Node) NewCallbacks(ctx context.Context, outbound bool) peerconn.Callbacks {
	return &connCallbacks{node: n, ctx: ctx, outbound: outbound}
}

type connCallbacks struct {
	node     *Node
	ctx      context.Context
	outbound bool
	peerID   uint32
}

func (c *connCallbacks) OnHandshake(remoteID uint32, wire peerconn.Commands) {
	c.peerID = remoteID
	c.node.post(c.ctx, func() { c.node.onHandshake(remoteID, wire, c.outbound) })
}

func (c *connCallbacks) OnChoke() {
	c.node.post(c.ctx, func() { c.node.onChoke(c.peerID) })
}

func (c *connCallbacks) OnUnchoke() {
	c.node.post(c.ctx, func() { c.node.onUnchoke(c.peerID) })
}

func (c *connCallbacks) OnInterested() {
	c.node.post(c.ctx, func() { c.node.onInterested(c.peerID) })
}

func (c *connCallbacks) OnNotInterested() {
	c.node.post(c.ctx, func() { c.node.onNotInterested(c.peerID) })
}

func (c *connCallbacks) OnHave(pieceIdx int) {
	c.node.post(c.ctx, func() { c.node.onHave(c.peerID, pieceIdx) })
}

func (c *connCallbacks) OnBitfield(bits *bitfield.Bitfield) {
	c.node.post(c.ctx, func() { c.node.onBitfield(c.peerID, bits) })
}

func (c *connCallbacks) OnRequest(pieceIdx int) {
	c.node.post(c.ctx, func() { c.node.onRequest(c.peerID, pieceIdx) })
}

func (c *connCallbacks) OnPiece(pieceIdx int, data []byte) {
	c.node.post(c.ctx, func() { c.node.onPiece(c.peerID, pieceIdx, data) })
}

func (c *connCallbacks) OnClosed(err error) {
	c.node.post(c.ctx, func() { c.node.onDisconnect(c.peerID) })
}

// --- mailbox-goroutine-only handlers below: no locking, by construction. ---

func (n *Node) onHandshake(peerID uint32, wire peerconn.Commands, outbound bool) {
	if outbound {
		n.events.MakesConnectionTo(peerID)
	} else {
		n.events.ConnectedFrom(peerID)
	}

	nb := &neighbor{
		peerID:      peerID,
		wire:        wire,
		theirBits:   bitfield.New(n.totalPieces),
		weChokeThem: true,
		theyChokeUs: true,
	}
	n.neighbors[peerID] = nb

	if n.store.Bitfield().Count() > 0 && !nb.sentBitfield {
		_ = wire.SendBitfield(n.store.Bitfield())
		nb.sentBitfield = true
	}

	n.recomputeInterest(nb)
}

func (n *Node) onDisconnect(peerID uint32) {
	n.requests.ClearInflightForPeer(peerID)
	delete(n.neighbors, peerID)
}

func (n *Node) onChoke(peerID uint32) {
	nb, ok := n.neighbors[peerID]
	if !ok {
		return
	}
	nb.theyChokeUs = true
	n.events.ChokedBy(peerID)
	n.requests.ClearInflightForPeer(peerID)
}

func (n *Node) onUnchoke(peerID uint32) {
	nb, ok := n.neighbors[peerID]
	if !ok {
		return
	}
	nb.theyChokeUs = false
	n.events.UnchokedBy(peerID)
	n.maybeRequestNext(nb)
}

func (n *Node) onInterested(peerID uint32) {
	nb, ok := n.neighbors[peerID]
	if !ok {
		return
	}
	nb.theyInterestedInUs = true
	n.events.ReceivedInterested(peerID)
}

func (n *Node) onNotInterested(peerID uint32) {
	nb, ok := n.neighbors[peerID]
	if !ok {
		return
	}
	nb.theyInterestedInUs = false
	n.events.ReceivedNotInterested(peerID)
}

func (n *Node) onHave(peerID uint32, pieceIdx int) {
	nb, ok := n.neighbors[peerID]
	if !ok {
		return
	}
	nb.theirBits.Set(pieceIdx)
	n.events.ReceivedHave(peerID, pieceIdx)

	if nb.theirBits.Full() {
		n.markPeerComplete(peerID)
	}
	n.recomputeInterest(nb)
}

func (n *Node) onBitfield(peerID uint32, bits *bitfield.Bitfield) {
	nb, ok := n.neighbors[peerID]
	if !ok {
		return
	}
	nb.theirBits = bits
	if nb.theirBits.Full() {
		n.markPeerComplete(peerID)
	}
	n.recomputeInterest(nb)
}

func (n *Node) onRequest(peerID uint32, pieceIdx int) {
	nb, ok := n.neighbors[peerID]
	if !ok || nb.weChokeThem {
		return
	}
	if !n.store.Have(pieceIdx) {
		return
	}
	data, err := n.store.ReadPiece(pieceIdx)
	if err != nil {
		n.log.Warn("failed to read requested piece", "piece", pieceIdx, "error", err)
		return
	}
	_ = nb.wire.SendPiece(pieceIdx, data)
}

func (n *Node) onPiece(peerID uint32, pieceIdx int, data []byte) {
	nb, ok := n.neighbors[peerID]
	if !ok {
		return
	}

	n.choking.Rates().AddDownload(peerID, len(data))

	if !n.store.WritePiece(pieceIdx, data) {
		return
	}
	n.requests.Complete(pieceIdx)

	haveCount := n.store.Bitfield().Count()
	n.events.DownloadedPieceFrom(peerID, pieceIdx, haveCount)

	for _, other := range n.neighbors {
		_ = other.wire.SendHave(pieceIdx)
	}
	for _, other := range n.neighbors {
		n.recomputeInterest(other)
	}
	n.maybeRequestNext(nb)

	if n.store.Bitfield().Full() {
		n.completePeers[n.selfID] = true
		n.events.DownloadedCompleteFile()

		if _, err := n.store.Reconstruct(n.fileName); err != nil {
			n.log.Warn("failed to reconstruct file", "error", err)
		}
		n.checkGlobalCompletion()
	}
}

func (n *Node) recomputeInterest(nb *neighbor) {
	missing := n.store.Bitfield().MissingFrom(nb.theirBits)
	if len(missing) > 0 {
		_ = nb.wire.SendInterested()
	} else {
		_ = nb.wire.SendNotInterested()
	}
}

func (n *Node) maybeRequestNext(nb *neighbor) {
	if nb.theyChokeUs {
		return
	}
	idx, ok := n.requests.ChooseForNeighbor(nb.peerID, nb.theirBits, n.store.Bitfield())
	if !ok {
		return
	}
	if err := nb.wire.SendRequest(idx); err != nil {
		return
	}
	n.requests.MarkInflight(nb.peerID, idx)
}

func (n *Node) markPeerComplete(peerID uint32) {
	n.completePeers[peerID] = true
	n.checkGlobalCompletion()
}

func (n *Node) checkGlobalCompletion() {
	if n.doneFire {
		return
	}
	if len(n.completePeers) != len(n.allPeerIDs) {
		return
	}
	for id := range n.allPeerIDs {
		if !n.completePeers[id] {
			return
		}
	}
	n.doneFire = true
	close(n.done)
}

func (n *Node) runPreferredTick() {
	var interested []uint32
	for id, nb := range n.neighbors {
		if nb.theyInterestedInUs {
			interested = append(interested, id)
		}
	}

	selected := n.choking.SelectPreferred(interested, n.store.Bitfield().Full())
	n.events.PreferredNeighbors(selected)

	selectedSet := make(map[uint32]bool, len(selected))
	for _, id := range selected {
		selectedSet[id] = true
	}

	for id, nb := range n.neighbors {
		switch {
		case selectedSet[id] && nb.weChokeThem:
			if err := nb.wire.SendUnchoke(); err == nil {
				nb.weChokeThem = false
			}
		case !selectedSet[id] && !nb.weChokeThem:
			if err := nb.wire.SendChoke(); err == nil {
				nb.weChokeThem = true
			}
		}
	}
}

func (n *Node) runOptimisticTick() {
	var chokedInterested []uint32
	for id, nb := range n.neighbors {
		if nb.theyInterestedInUs && nb.weChokeThem {
			chokedInterested = append(chokedInterested, id)
		}
	}

	pick, ok := n.choking.PickOptimistic(chokedInterested)
	if !ok {
		return
	}
	n.events.OptimisticNeighbor(pick)

	nb, ok := n.neighbors[pick]
	if !ok || !nb.weChokeThem {
		return
	}
	if err := nb.wire.SendUnchoke(); err == nil {
		nb.weChokeThem = false
	}
}
