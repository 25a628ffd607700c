package cluster_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
)

var _ = Describe("MemStore", func() {
	It("delivers committed snapshots to every subscriber in commit order", func() {
		store := cluster.NewMemStore()
		var mu sync.Mutex
		var seen []int64

		unsub := store.Subscribe(func(_, curr cluster.Snapshot) {
			mu.Lock()
			seen = append(seen, curr.Version)
			mu.Unlock()
		})
		defer unsub()

		for i := 0; i < 5; i++ {
			id := string(rune('a' + i))
			_, err := store.Update(context.Background(), func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
				curr.Entries[id] = &cmn.Entry{BenchmarkID: id, State: cmn.Initializing}
				return curr, nil
			})
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func() []int64 {
			mu.Lock()
			defer mu.Unlock()
			return append([]int64(nil), seen...)
		}).Should(Equal([]int64{1, 2, 3, 4, 5}))
	})

	It("UpdateWithRetry retries on ErrStale and gives up after CASRetryMax attempts", func() {
		store := cluster.NewMemStore()
		to := cmn.Timeouts{RPC: time.Second, CASRetry: time.Millisecond, CASRetryMax: 3}

		attempts := 0
		_, err := cluster.UpdateWithRetry(context.Background(), store, to, func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
			attempts++
			return nil, cmn.ErrStale
		})
		Expect(err).To(Equal(cmn.ErrStale))
		Expect(attempts).To(Equal(3))
	})

	It("UpdateWithRetry succeeds once the mutator stops returning ErrStale", func() {
		store := cluster.NewMemStore()
		to := cmn.Timeouts{RPC: time.Second, CASRetry: time.Millisecond, CASRetryMax: 5}

		attempts := 0
		snap, err := cluster.UpdateWithRetry(context.Background(), store, to, func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
			attempts++
			if attempts < 3 {
				return nil, cmn.ErrStale
			}
			curr.Entries["x"] = &cmn.Entry{BenchmarkID: "x", State: cmn.Running}
			return curr, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(attempts).To(Equal(3))
		Expect(snap.Meta.Entries).To(HaveKey("x"))
	})

	It("a read never aliases a subsequent update's mutation", func() {
		store := cluster.NewMemStore()
		_, _ = store.Update(context.Background(), func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
			curr.Entries["x"] = &cmn.Entry{BenchmarkID: "x", State: cmn.Initializing, NodeStateMap: map[string]cmn.NodeState{"n": cmn.NodeInitializing}}
			return curr, nil
		})
		snap := store.Read()

		_, _ = store.Update(context.Background(), func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
			e := curr.Entries["x"]
			e.NodeStateMap["n"] = cmn.NodeReady
			curr.Entries["x"] = e
			return curr, nil
		})

		Expect(snap.Meta.Entries["x"].NodeStateMap["n"]).To(Equal(cmn.NodeInitializing))
	})
})
