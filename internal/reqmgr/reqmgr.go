// Package reqmgr tracks in-flight piece requests: the RequestManager
// component of spec §4.3. It enforces at most one outstanding request per
// neighbor and no duplicate in-flight piece across neighbors.
//
// Callers are expected to serialize access through the single-actor model
// described in SPEC_FULL.md — Manager itself does no locking.
package reqmgr

import (
	"math/rand/v2"

	"github.com/p2pfsp/p2pfsp/internal/bitfield"
)

// Manager holds the bijective in-flight request maps plus the set of
// completed pieces.
type Manager struct {
	total int

	pieceByPeer map[uint32]int
	peerByPiece map[int]uint32
	completed   map[int]bool
}

// New returns an empty Manager for a file split into total pieces.
func New(total int) *Manager {
	return &Manager{
		total:       total,
		pieceByPeer: make(map[uint32]int),
		peerByPiece: make(map[int]uint32),
		completed:   make(map[int]bool),
	}
}

// ChooseForNeighbor picks a piece to request from peerID. Returns (0, false)
// if peerID already has an outstanding request, or if there is no piece
// peerID has that we lack and that isn't already in flight elsewhere.
// Candidates are drawn uniformly at random.
func (m *Manager) ChooseForNeighbor(peerID uint32, theirBits, localBits *bitfield.Bitfield) (int, bool) {
	if _, busy := m.pieceByPeer[peerID]; busy {
		return 0, false
	}

	var candidates []int
	for i := 0; i < m.total; i++ {
		if localBits.Has(i) {
			continue
		}
		if !theirBits.Has(i) {
			continue
		}
		if _, inflight := m.peerByPiece[i]; inflight {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}

	return candidates[rand.IntN(len(candidates))], true
}

// MarkInflight records that piece i is now being requested from peerID. Both
// map slots must be empty for these keys — callers establish that via
// ChooseForNeighbor first.
func (m *Manager) MarkInflight(peerID uint32, i int) {
	m.pieceByPeer[peerID] = i
	m.peerByPiece[i] = peerID
}

// ClearInflightForPeer removes any in-flight request tracked against
// peerID. Silent no-op if there was none.
func (m *Manager) ClearInflightForPeer(peerID uint32) {
	i, ok := m.pieceByPeer[peerID]
	if !ok {
		return
	}
	delete(m.pieceByPeer, peerID)
	delete(m.peerByPiece, i)
}

// Complete clears any in-flight tracking for piece i and marks it completed.
func (m *Manager) Complete(i int) {
	if peerID, ok := m.peerByPiece[i]; ok {
		delete(m.peerByPiece, i)
		delete(m.pieceByPeer, peerID)
	}
	m.completed[i] = true
}

// IsCompleted reports whether piece i has been recorded as complete.
func (m *Manager) IsCompleted(i int) bool {
	return m.completed[i]
}
