// Package choke implements download-rate tracking and preferred/optimistic
// neighbor selection: the ChokingManager component of spec §4.4.
package choke

import "math/rand/v2"

// RateTracker accumulates downloaded bytes per peer since the last snapshot.
type RateTracker struct {
	bytes map[uint32]int64
}

// NewRateTracker returns an empty RateTracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{bytes: make(map[uint32]int64)}
}

// AddDownload records n additional bytes downloaded from peerID.
func (r *RateTracker) AddDownload(peerID uint32, n int) {
	r.bytes[peerID] += int64(n)
}

// SnapshotAndReset atomically (with respect to the single-actor model) reads
// and clears the accumulated byte counts, returning a private copy.
func (r *RateTracker) SnapshotAndReset() map[uint32]int64 {
	snap := make(map[uint32]int64, len(r.bytes))
	for k, v := range r.bytes {
		snap[k] = v
	}
	r.bytes = make(map[uint32]int64)
	return snap
}

// Manager selects preferred neighbors and an optimistic-unchoke candidate.
type Manager struct {
	k     int
	rates *RateTracker
}

// New returns a Manager that selects up to k preferred neighbors per tick.
func New(k int) *Manager {
	return &Manager{k: k, rates: NewRateTracker()}
}

// Rates exposes the manager's RateTracker so callers can record downloads.
func (m *Manager) Rates() *RateTracker { return m.rates }

// SelectPreferred returns up to k neighbor ids to unchoke this tick.
//
// If interestedIDs is empty, returns nil. If haveFullFile, returns a
// uniformly random subset of size min(k, len(interestedIDs)). Otherwise,
// ranks interestedIDs by bytes downloaded since the last snapshot
// (descending), breaking ties uniformly at random within each equal-rate
// run, and returns the first k.
func (m *Manager) SelectPreferred(interestedIDs []uint32, haveFullFile bool) []uint32 {
	if len(interestedIDs) == 0 {
		return nil
	}

	ids := append([]uint32(nil), interestedIDs...)

	if haveFullFile {
		rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		return firstN(ids, m.k)
	}

	snap := m.rates.SnapshotAndReset()
	sortByRateDescWithRandomTies(ids, snap)
	return firstN(ids, m.k)
}

// PickOptimistic returns a uniformly random choice from chokedInterestedIDs,
// or (0, false) if it's empty.
func (m *Manager) PickOptimistic(chokedInterestedIDs []uint32) (uint32, bool) {
	if len(chokedInterestedIDs) == 0 {
		return 0, false
	}
	return chokedInterestedIDs[rand.IntN(len(chokedInterestedIDs))], true
}

func firstN(ids []uint32, n int) []uint32 {
	if n >= len(ids) {
		return ids
	}
	return ids[:n]
}

// sortByRateDescWithRandomTies sorts ids in place by snap[id] descending,
// shuffling each run of equal-rate ids so ties break uniformly at random.
func sortByRateDescWithRandomTies(ids []uint32, snap map[uint32]int64) {
	// Insertion sort keeps this simple and stable enough for the small
	// neighbor counts this protocol expects, and makes the equal-rate
	// grouping below straightforward to reason about.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && snap[ids[j]] > snap[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}

	for i := 0; i < len(ids); {
		j := i + 1
		for j < len(ids) && snap[ids[j]] == snap[ids[i]] {
			j++
		}
		run := ids[i:j]
		rand.Shuffle(len(run), func(a, b int) { run[a], run[b] = run[b], run[a] })
		i = j
	}
}
