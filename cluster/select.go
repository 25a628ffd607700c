package cluster

import (
	"sort"

	"github.com/OneOfOne/xxhash"

	"github.com/mute/escoord/cmn"
)

// weighted is one candidate's HRW (highest random weight) score for a given
// benchmark id.
type weighted struct {
	node   Snode
	weight uint64
}

// SelectExecutors deterministically picks n capable, alive nodes for
// benchmarkID using highest-random-weight hashing, the same placement
// primitive the teacher uses cluster-wide (cluster.HrwTarget, referenced
// throughout reb/global.go) to decide which target owns which object.
// HRW makes the choice a pure function of (benchmarkID, candidate set): a
// coordinator reconstructing its internal state after a master failover
// recomputes the identical node set instead of needing to persist it
// separately.
func SelectExecutors(benchmarkID string, candidates []Snode, n int) ([]Snode, error) {
	capable := make([]Snode, 0, len(candidates))
	for _, c := range candidates {
		if c.CanRunBenchmarks {
			capable = append(capable, c)
		}
	}
	if len(capable) < n {
		return nil, &cmn.InsufficientExecutorsError{Required: n, Available: len(capable)}
	}

	scored := make([]weighted, len(capable))
	for i, c := range capable {
		scored[i] = weighted{node: c, weight: xxhash.ChecksumString64(benchmarkID + "/" + c.ID)}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].weight != scored[j].weight {
			return scored[i].weight > scored[j].weight
		}
		return scored[i].node.ID < scored[j].node.ID
	})

	out := make([]Snode, n)
	for i := 0; i < n; i++ {
		out[i] = scored[i].node
	}
	return out, nil
}
