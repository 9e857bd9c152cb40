// Package board implements the per-connection replicated Job map of
// spec.md §4.8: one Board per edge, version-monotonic merge in both
// directions, and the snapshot exchange that lets a restarted agent rebuild
// its in-memory state from whichever peer it reconnects to.
package board

import (
	"sync"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/job"
)

// Board holds every Job currently replicated across one Connection. A
// router keeps one Board per edge: the set of Jobs whose path names that
// edge.
type Board struct {
	mu   sync.RWMutex
	jobs map[job.Id]*job.Job
}

// New returns an empty Board.
func New() *Board {
	return &Board{jobs: make(map[job.Id]*job.Job)}
}

// Put inserts a locally originated or locally updated Job. If a Job with
// the same id is already present, the two are merged by version — a lower
// or equal version is discarded rather than overwriting the board, making
// repeated put calls for the same id idempotent per spec.md §4.7.
func (b *Board) Put(j *job.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.jobs[j.Id()]
	if !ok {
		b.jobs[j.Id()] = j
		return
	}
	existing.MergeFrom(j.View())
}

// Observe applies a Job snapshot that arrived from the peer over the wire.
// It merges by version exactly like Put; an older arrival is discarded
// rather than ever regressing the local replica.
func (b *Board) Observe(snapshot job.Snapshot) (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.jobs[snapshot.Id]
	if !ok {
		b.jobs[snapshot.Id] = job.FromSnapshot(snapshot)
		return true
	}
	return existing.MergeFrom(snapshot)
}

// Get returns the Job for id, if this Board is replicating it.
func (b *Board) Get(id job.Id) (*job.Job, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	j, ok := b.jobs[id]
	return j, ok
}

// Remove purges id from the Board, on explicit delete or after expiry
// sweep has already marked it terminal.
func (b *Board) Remove(id job.Id) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, id)
}

// Snapshot returns every Job currently on this Board, for the reconnect
// exchange or for an expiry sweep pass.
func (b *Board) Snapshot() []job.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]job.Snapshot, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, j.View())
	}
	return out
}

// Jobs returns the live Job handles currently on the Board, for the
// supervisor's expiry sweep which needs to call MarkExpired on each.
func (b *Board) Jobs() []*job.Job {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*job.Job, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, j)
	}
	return out
}

// Reconcile implements the reconnect half of spec.md §4.8: given the peer's
// full snapshot, observe every entry (monotonic merge, never regresses this
// side), then drop any Job on this Board whose path no longer runs across
// the local-peer edge — local is always on a Job routed through it, so the
// relevant test is whether peer is still its immediate neighbour in path,
// not merely present somewhere in it.
func (b *Board) Reconcile(peerSnapshot []job.Snapshot, local, peer identity.AgentName) {
	for _, snap := range peerSnapshot {
		b.Observe(snap)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, j := range b.jobs {
		if !adjacent(j.Path(), local, peer) {
			delete(b.jobs, id)
		}
	}
}

// adjacent reports whether b is the hop immediately before or after a in
// path.
func adjacent(path identity.Path, a, b identity.AgentName) bool {
	idx := path.IndexOf(a)
	if idx < 0 {
		return false
	}
	if idx > 0 && path[idx-1] == b {
		return true
	}
	if next, ok := path.NextHop(a); ok && next == b {
		return true
	}
	return false
}

// Len reports how many Jobs this Board currently replicates.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.jobs)
}
