// Package cluster holds the data-plane concerns this subsystem treats as
// external collaborators when they run for real: the replicated
// BenchmarkMetaData document (StateStore) and node liveness
// (LivenessTracker). A reference in-memory StateStore is provided so the
// engine can run and be tested without a real consensus layer, the same
// role cluster.NewTargetMock plays for the teacher's dsort/reb tests.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mute/escoord/cmn"
)

// Snapshot is one observation of BenchmarkMetaData plus the store's version
// counter, used for CAS comparisons.
type Snapshot struct {
	Meta    *cmn.BenchmarkMetaData
	Version int64
}

// MutatorFn transforms the current document into the next one. Returning
// cmn.ErrStale aborts the Update without committing - the caller is
// expected to recompute the mutation against a fresh Read and retry.
type MutatorFn func(current *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error)

// Listener observes committed (previous, current) pairs in commit order.
// A listener must tolerate re-observing the same state.
type Listener func(prev, curr Snapshot)

// StateStore is the contract every collaborator above it is built
// against: read, CAS-update, subscribe. Any linearizable, change-notifying
// store satisfies it.
type StateStore interface {
	Read() Snapshot
	Update(ctx context.Context, fn MutatorFn) (Snapshot, error)
	Subscribe(fn Listener) (unsubscribe func())
}

// subscriber serializes delivery of events to one Listener via its own
// FIFO queue and dispatch goroutine, the same "per-subscriber
// serialization" shape as the teacher's stream collector control loop
// (transport/collect.go: a single goroutine draining one channel).
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []eventPair
	closed bool
	fn     Listener
}

type eventPair struct{ prev, curr Snapshot }

func newSubscriber(fn Listener) *subscriber {
	s := &subscriber{fn: fn}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) push(e eventPair) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.fn(e.prev, e.curr)
	}
}

// MemStore is a process-local StateStore: a mutex-serialized document plus
// a version counter and a set of subscribers. Every Update is atomic by
// construction (it runs under the store's own lock), which is what lets a
// MutatorFn rely on seeing the true current document; MutatorFn still
// returns cmn.ErrStale when ITS OWN precondition (e.g. an in-memory CAS
// flag elsewhere) no longer holds, and the caller (see
// UpdateWithRetry) retries with backoff.
type MemStore struct {
	mu      sync.Mutex
	meta    *cmn.BenchmarkMetaData
	version int64
	subs    []*subscriber
}

// NewMemStore returns an empty, ready-to-use StateStore.
func NewMemStore() *MemStore {
	return &MemStore{meta: &cmn.BenchmarkMetaData{Entries: map[string]*cmn.Entry{}}}
}

func (s *MemStore) Read() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Meta: s.meta.Clone(), Version: s.version}
}

func (s *MemStore) Update(ctx context.Context, fn MutatorFn) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, cmn.ErrCanceled
	}
	s.mu.Lock()
	prev := Snapshot{Meta: s.meta.Clone(), Version: s.version}
	next, err := fn(s.meta.Clone())
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.meta = next
	s.version++
	curr := Snapshot{Meta: s.meta.Clone(), Version: s.version}
	subs := append([]*subscriber(nil), s.subs...)
	s.mu.Unlock()

	glog.V(4).Infof("cluster: committed state-store version %d", curr.Version)
	for _, sub := range subs {
		sub.push(eventPair{prev: prev, curr: curr})
	}
	return curr, nil
}

func (s *MemStore) Subscribe(fn Listener) (unsubscribe func()) {
	sub := newSubscriber(fn)
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		for i, x := range s.subs {
			if x == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		sub.stop()
	}
}

// UpdateWithRetry is the caller-side half of the CAS contract, used by the
// coordinator and the executors alike: while store.Update returns ErrStale
// it waits to.CASRetry and tries again, up to to.CASRetryMax attempts in
// all, then returns ErrStale; any other error is returned at once.
// buildFn is called fresh against the latest Read on every attempt so it
// always mutates current data, never a stale local copy.
func UpdateWithRetry(ctx context.Context, store StateStore, to cmn.Timeouts, buildFn func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error)) (Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < to.CASRetryMax; attempt++ {
		snap, err := store.Update(ctx, buildFn)
		if err == nil {
			return snap, nil
		}
		if err != cmn.ErrStale {
			return Snapshot{}, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return Snapshot{}, cmn.ErrCanceled
		case <-time.After(to.CASRetry):
		}
	}
	return Snapshot{}, lastErr
}
