package cluster

import (
	"sync"

	"go.uber.org/atomic"
)

// LivenessTracker tracks, per (benchmarkId, nodeId), whether an assigned
// executor node is still alive. A cleared bit is never set back: a node
// that reconnects with the same id for the same benchmark run is still
// treated as dead for that run.
type LivenessTracker struct {
	mu    sync.Mutex
	alive map[string]map[string]*atomic.Bool // benchmarkID -> nodeID -> alive
}

// NewLivenessTracker returns an empty tracker.
func NewLivenessTracker() *LivenessTracker {
	return &LivenessTracker{alive: make(map[string]map[string]*atomic.Bool)}
}

// Track registers the initial (alive) liveness bit for every node assigned
// to benchmarkID. Called when a benchmark is created and again on every
// coordinator evaluation of its entry; a node already tracked keeps its
// current bit.
func (lt *LivenessTracker) Track(benchmarkID string, nodeIDs []string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	m, ok := lt.alive[benchmarkID]
	if !ok {
		m = make(map[string]*atomic.Bool, len(nodeIDs))
		lt.alive[benchmarkID] = m
	}
	for _, id := range nodeIDs {
		if _, exists := m[id]; !exists {
			m[id] = atomic.NewBool(true)
		}
	}
}

// IsAlive reports the current liveness bit. An untracked (benchmarkID,
// nodeID) pair is considered dead - a node cannot be alive for a benchmark
// it was never assigned to.
func (lt *LivenessTracker) IsAlive(benchmarkID, nodeID string) bool {
	lt.mu.Lock()
	m, ok := lt.alive[benchmarkID]
	lt.mu.Unlock()
	if !ok {
		return false
	}
	b, ok := m[nodeID]
	if !ok {
		return false
	}
	return b.Load()
}

// OnNodeRemoved atomically clears the liveness bit for nodeID across every
// benchmark that references it. Idempotent: clearing an already-dead node
// is a no-op.
func (lt *LivenessTracker) OnNodeRemoved(nodeID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, m := range lt.alive {
		if b, ok := m[nodeID]; ok {
			b.Store(false)
		}
	}
}

// Forget releases all liveness bits for a benchmark that has reached a
// terminal state and been deleted from the state store.
func (lt *LivenessTracker) Forget(benchmarkID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.alive, benchmarkID)
}
