package coordinator_test

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/coordinator"
	"github.com/mute/escoord/executor"
	"github.com/mute/escoord/search"
	"github.com/mute/escoord/stats"
	"github.com/mute/escoord/transport"
)

func TestCoordinator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "coordinator suite")
}

const masterID = "node-0"

// harness stands up a master plus n-1 additional executor-only nodes on
// one in-memory Hub/MemStore, matching the single-process wiring in
// cmd/escoordd.
type harness struct {
	store *cluster.MemStore
	hub   *transport.Hub
	coord *coordinator.Service
	to    cmn.Timeouts
}

func newHarness(n int) *harness {
	store := cluster.NewMemStore()
	hub := transport.NewHub(masterID)
	to := cmn.Timeouts{RPC: time.Second, CASRetry: time.Millisecond, CASRetryMax: 50, Keepalive: time.Second}

	var masterTP *transport.MemTransport
	for i := 0; i < n; i++ {
		nodeID := masterID
		if i > 0 {
			nodeID = nodeIDFor(i)
		}
		tp := hub.Join(nodeID, true)
		exec := search.NewSimExecutor(nodeID, func(string, cmn.SearchRequest) time.Duration { return time.Millisecond })
		executor.NewService(store, tp, exec, to).Start()
		if i == 0 {
			masterTP = tp
		}
	}

	lt := cluster.NewLivenessTracker()
	agg := stats.NewAggregator()
	coord := coordinator.NewService(store, masterTP, lt, agg, to)
	coord.Start()

	return &harness{store: store, hub: hub, coord: coord, to: to}
}

func nodeIDFor(i int) string {
	return "node-" + string(rune('0'+i))
}

func simpleDefinition(n int) *cmn.BenchmarkDefinition {
	return &cmn.BenchmarkDefinition{
		NumExecutorNodes: n,
		Settings:         cmn.Settings{Iterations: 2, Concurrency: 1, Multiplier: 1},
		Competitions: []cmn.Competition{
			{Name: "comp-1", Requests: []cmn.SearchRequest{{Name: "q1", Body: "{}"}}},
		},
	}
}

var _ = Describe("CoordinatorService end to end", func() {
	It("runs a 3-node benchmark to COMPLETED and aggregates results", func() {
		h := newHarness(3)
		id, err := h.coord.StartBenchmark(context.Background(), simpleDefinition(3))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() cmn.GlobalState {
			e, err := h.coord.GetStatus(id)
			Expect(err).NotTo(HaveOccurred())
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Completed))

		res, ok := h.coord.GetResult(id)
		Expect(ok).To(BeTrue())
		comp, ok := res.Competitions["comp-1"]
		Expect(ok).To(BeTrue())
		Expect(comp.NodeResults).To(HaveLen(3))
		Expect(comp.Summary.TotalCompletedIterations).To(Equal(int64(6)))
	})

	It("rejects starting a benchmark that needs more nodes than are available", func() {
		h := newHarness(1)
		_, err := h.coord.StartBenchmark(context.Background(), simpleDefinition(3))
		Expect(err).To(HaveOccurred())
	})

	It("pauses and resumes a running benchmark", func() {
		h := newHarness(2)
		def := simpleDefinition(2)
		def.Settings.Iterations = 50
		id, err := h.coord.StartBenchmark(context.Background(), def)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Running))

		Expect(h.coord.PauseBenchmark(context.Background(), id)).To(Succeed())
		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Paused))

		Expect(h.coord.ResumeBenchmark(context.Background(), id)).To(Succeed())
		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Running))

		Expect(h.coord.AbortBenchmark(context.Background(), id)).To(Succeed())
		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Aborted))
	})

	It("aborts a paused benchmark directly, without an intervening resume, and releases its worker", func() {
		h := newHarness(2)
		def := simpleDefinition(2)
		def.Settings.Iterations = 50
		id, err := h.coord.StartBenchmark(context.Background(), def)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Running))

		Expect(h.coord.PauseBenchmark(context.Background(), id)).To(Succeed())
		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Paused))

		baseline := runtime.NumGoroutine()

		// PAUSED -> ABORTED directly (spec.md §3 invariant 1): the worker is
		// parked inside pauseGate.Acquire; nothing ever calls resume.
		Expect(h.coord.AbortBenchmark(context.Background(), id)).To(Succeed())
		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Aborted))

		// The worker blocked in Acquire must wake up and exit instead of
		// leaking for the life of the process (spec.md §9 "Scoped resource
		// acquisition... releasing [resources] on every exit path").
		Eventually(func() int {
			return runtime.NumGoroutine()
		}, 2*time.Second, 10*time.Millisecond).Should(BeNumerically("<=", baseline))
	})

	It("completes despite a node dying mid-run, excluding it from quorum", func() {
		h := newHarness(3)
		def := simpleDefinition(3)
		def.Settings.Iterations = 200
		id, err := h.coord.StartBenchmark(context.Background(), def)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Running))

		h.hub.Remove(nodeIDFor(2))

		Eventually(func() cmn.GlobalState {
			e, err := h.coord.GetStatus(id)
			Expect(err).NotTo(HaveOccurred())
			return e.State
		}, 5*time.Second, time.Millisecond).Should(Equal(cmn.Completed))
	})

	It("fails a benchmark whose scripted query is fatal on every node", func() {
		h := newHarness(2)
		def := simpleDefinition(2)
		def.Competitions[0].Requests[0].Fatal = true
		id, err := h.coord.StartBenchmark(context.Background(), def)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus(id)
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Failed))
	})

	It("rejects non-master operations", func() {
		h := newHarness(2)
		h.hub.SetMaster(nodeIDFor(1))
		_, err := h.coord.StartBenchmark(context.Background(), simpleDefinition(2))
		Expect(err).To(Equal(cmn.ErrNotMaster))
	})

	It("aborts every benchmark matching a glob pattern and leaves the rest alone", func() {
		h := newHarness(2)
		defEast := simpleDefinition(2)
		defEast.BenchmarkID = "bench-east-1"
		defEast.Settings.Iterations = 100
		defWest := simpleDefinition(2)
		defWest.BenchmarkID = "bench-west-1"
		defWest.Settings.Iterations = 100

		_, err := h.coord.StartBenchmark(context.Background(), defEast)
		Expect(err).NotTo(HaveOccurred())
		_, err = h.coord.StartBenchmark(context.Background(), defWest)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus("bench-west-1")
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Running))

		Expect(h.coord.AbortBenchmark(context.Background(), "bench-east-*")).To(Succeed())

		Eventually(func() cmn.GlobalState {
			e, _ := h.coord.GetStatus("bench-east-1")
			return e.State
		}, 2*time.Second, time.Millisecond).Should(Equal(cmn.Aborted))

		westEntry, err := h.coord.GetStatus("bench-west-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(westEntry.State).NotTo(Equal(cmn.Aborted))

		listed := h.coord.ListBenchmarks("bench-west-*")
		Expect(listed).To(HaveLen(1))
		Expect(listed[0].BenchmarkID).To(Equal("bench-west-1"))
	})

	It("returns UnknownBenchmarkError when a pause pattern matches nothing", func() {
		h := newHarness(1)
		err := h.coord.PauseBenchmark(context.Background(), "no-such-*")
		var unknown *cmn.UnknownBenchmarkError
		Expect(errors.As(err, &unknown)).To(BeTrue())
	})
})
