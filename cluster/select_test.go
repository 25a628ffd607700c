package cluster_test

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
)

func TestCluster(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cluster suite")
}

var _ = Describe("SelectExecutors", func() {
	candidates := []cluster.Snode{
		{ID: "a", CanRunBenchmarks: true},
		{ID: "b", CanRunBenchmarks: true},
		{ID: "c", CanRunBenchmarks: true},
		{ID: "d", CanRunBenchmarks: false},
	}

	It("rejects a request for more capable nodes than exist", func() {
		_, err := cluster.SelectExecutors("bench-1", candidates, 4)
		Expect(err).To(HaveOccurred())
		var insufficient *cmn.InsufficientExecutorsError
		Expect(errors.As(err, &insufficient)).To(BeTrue())
		Expect(insufficient.Available).To(Equal(3))
	})

	It("is deterministic for the same benchmark id and candidate set", func() {
		first, err := cluster.SelectExecutors("bench-1", candidates, 2)
		Expect(err).NotTo(HaveOccurred())
		second, err := cluster.SelectExecutors("bench-1", candidates, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal(second))
	})

	It("never selects a node that cannot run benchmarks", func() {
		out, err := cluster.SelectExecutors("bench-2", candidates, 3)
		Expect(err).NotTo(HaveOccurred())
		for _, n := range out {
			Expect(n.CanRunBenchmarks).To(BeTrue())
		}
	})

	It("picks different node sets for different benchmark ids", func() {
		out1, err := cluster.SelectExecutors("bench-0", candidates, 1)
		Expect(err).NotTo(HaveOccurred())
		out2, err := cluster.SelectExecutors("bench-1", candidates, 1)
		Expect(err).NotTo(HaveOccurred())
		// "bench-0" and "bench-1" are chosen to land on different nodes,
		// proving the benchmark id is actually part of the hash input
		// rather than being ignored.
		Expect(out1).NotTo(Equal(out2))
	})
})

var _ = Describe("LivenessTracker", func() {
	It("treats an untracked node as dead", func() {
		lt := cluster.NewLivenessTracker()
		Expect(lt.IsAlive("bench-1", "node-x")).To(BeFalse())
	})

	It("starts tracked nodes alive and never resurrects a cleared one", func() {
		lt := cluster.NewLivenessTracker()
		lt.Track("bench-1", []string{"node-a", "node-b"})
		Expect(lt.IsAlive("bench-1", "node-a")).To(BeTrue())

		lt.OnNodeRemoved("node-a")
		Expect(lt.IsAlive("bench-1", "node-a")).To(BeFalse())

		lt.Track("bench-1", []string{"node-a"})
		Expect(lt.IsAlive("bench-1", "node-a")).To(BeFalse())
	})

	It("forgetting a benchmark drops its whole liveness map", func() {
		lt := cluster.NewLivenessTracker()
		lt.Track("bench-1", []string{"node-a"})
		lt.Forget("bench-1")
		Expect(lt.IsAlive("bench-1", "node-a")).To(BeFalse())
	})
})
