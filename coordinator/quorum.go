package coordinator

import (
	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
)

// allAliveSatisfy is the universal-quantifier building block every quorum
// predicate in this package reduces to: "for every node this entry still
// considers alive, pred holds." A node the LivenessTracker has marked dead
// never blocks a transition - it is simply excluded, the same way the
// teacher's nodesNotInStage (reb/bcast.go) only counts targets still
// present in the working Smap. An entry with no alive nodes left
// satisfies every predicate vacuously: there is nothing left to wait for.
func allAliveSatisfy(entry *cmn.Entry, lt *cluster.LivenessTracker, pred func(cmn.NodeState) bool) bool {
	for nodeID, st := range entry.NodeStateMap {
		if !lt.IsAlive(entry.BenchmarkID, nodeID) {
			continue
		}
		if !pred(st) {
			return false
		}
	}
	return true
}

func allAliveReady(entry *cmn.Entry, lt *cluster.LivenessTracker) bool {
	return allAliveSatisfy(entry, lt, func(st cmn.NodeState) bool {
		return st == cmn.NodeReady || st.Done()
	})
}

func allAliveFinished(entry *cmn.Entry, lt *cluster.LivenessTracker) bool {
	return allAliveSatisfy(entry, lt, cmn.NodeState.Done)
}

func allAliveRunningAgain(entry *cmn.Entry, lt *cluster.LivenessTracker) bool {
	return allAliveSatisfy(entry, lt, func(st cmn.NodeState) bool {
		return st == cmn.NodeRunning || st.Done()
	})
}

func allAliveAborted(entry *cmn.Entry, lt *cluster.LivenessTracker) bool {
	return allAliveSatisfy(entry, lt, cmn.NodeState.Done)
}
