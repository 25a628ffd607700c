// Package search defines the SearchExecutor collaborator (C3, spec §4.3)
// and a reference SimExecutor used by the in-memory reference wiring and
// by tests. The real search/query engine is explicitly out of scope (spec
// §1): "treated as an opaque SearchExecutor".
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package search

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/stats"
)

var errCompileFailed = errors.New("scripted query failed to compile")

// AbortToken is polled between iterations (spec §4.3, §5): "Executor
// workers check abort-tokens at least once per iteration."
type AbortToken interface {
	Aborted() bool
}

// PauseToken is acquired before each iteration (spec §4.3): while the
// benchmark is globally PAUSED, Acquire blocks until RESUMING releases it
// or ctx is canceled.
type PauseToken interface {
	Acquire(ctx context.Context) error
}

// SearchExecutor runs one competition N times, synchronously, reporting
// per-iteration timing sufficient to compute arbitrary percentiles (spec
// §4.3). Implementations must respect both tokens: Acquire the pause token
// before every iteration, and check Aborted() between iterations.
type SearchExecutor interface {
	Run(ctx context.Context, comp cmn.Competition, settings cmn.Settings, abort AbortToken, pause PauseToken) (*stats.CompetitionNodeResult, error)
}

// LatencyFunc returns a simulated per-request latency; SimExecutor calls it
// once per (request, repetition). Tests can supply a deterministic one.
type LatencyFunc func(nodeID string, req cmn.SearchRequest) time.Duration

// SimExecutor is a reference SearchExecutor that simulates request
// latency instead of driving a real query engine - the role
// xs.xactLLC/mpather.JoggerGroup plays for the teacher's local-cache-load
// xaction: a runnable stand-in for an out-of-scope collaborator, fanning
// requests out across settings.Concurrency in-flight slots via
// golang.org/x/sync/semaphore, the direct analogue of Competition's
// concurrency setting.
type SimExecutor struct {
	NodeID  string
	Latency LatencyFunc
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// NewSimExecutor returns a SimExecutor for nodeID. If latency is nil, a
// default jittered-fixed-latency function is used.
func NewSimExecutor(nodeID string, latency LatencyFunc) *SimExecutor {
	e := &SimExecutor{NodeID: nodeID, rng: rand.New(rand.NewSource(hashSeed(nodeID)))}
	if latency != nil {
		e.Latency = latency
	} else {
		e.Latency = e.defaultLatency
	}
	return e
}

func hashSeed(s string) int64 {
	var h int64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= int64(s[i])
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (e *SimExecutor) defaultLatency(string, cmn.SearchRequest) time.Duration {
	e.rngMu.Lock()
	jitter := e.rng.Intn(4)
	e.rngMu.Unlock()
	return time.Duration(2+jitter) * time.Millisecond
}

// Run implements SearchExecutor. It classifies any request whose Fatal
// flag is set as a compile-time fatal SearchFailure (spec §4.4: "fatal
// error (e.g., compile failure for a scripted query) fails the whole
// competition on this node"), checked once up front before any iteration
// runs - a scripted query either compiles or it doesn't, consistently
// across every repetition.
func (e *SimExecutor) Run(ctx context.Context, comp cmn.Competition, settings cmn.Settings, abort AbortToken, pause PauseToken) (*stats.CompetitionNodeResult, error) {
	for _, req := range comp.Requests {
		if req.Fatal {
			return nil, &cmn.SearchFailure{Fatal: true, Query: req.Name, Err: errCompileFailed}
		}
	}

	res := &stats.CompetitionNodeResult{NodeID: e.NodeID, CompetitionName: comp.Name}

	if settings.Warmup {
		if err := pause.Acquire(ctx); err != nil {
			return res, err
		}
		start := time.Now()
		e.runIteration(ctx, comp, settings) // results discarded - only the duration is kept, as WarmupTime
		res.WarmupTime = time.Since(start)
	}

	for i := 0; i < settings.Iterations; i++ {
		if abort.Aborted() {
			break
		}
		if err := pause.Acquire(ctx); err != nil {
			return res, err
		}
		start := time.Now()
		queries, samples := e.runIteration(ctx, comp, settings)
		elapsed := time.Since(start)

		res.Iterations = append(res.Iterations, stats.IterationStat{Duration: elapsed, Queries: queries})
		res.Samples = append(res.Samples, samples...)
		res.TotalTime += elapsed
		res.TotalQueries += queries

		if abort.Aborted() {
			break
		}
	}
	return res, nil
}

// runIteration fans the competition's request set out across
// settings.Concurrency in-flight slots, settings.Multiplier times, and
// returns the query count and per-request latencies observed.
func (e *SimExecutor) runIteration(ctx context.Context, comp cmn.Competition, settings cmn.Settings) (int64, []time.Duration) {
	total := len(comp.Requests) * settings.Multiplier
	if total == 0 {
		return 0, nil
	}
	sem := semaphore.NewWeighted(int64(settings.Concurrency))
	samples := make([]time.Duration, total)

	var wg sync.WaitGroup
	for rep := 0; rep < settings.Multiplier; rep++ {
		for i, req := range comp.Requests {
			idx := rep*len(comp.Requests) + i
			req := req
			if err := sem.Acquire(ctx, 1); err != nil {
				continue
			}
			wg.Add(1)
			go func(idx int, req cmn.SearchRequest) {
				defer wg.Done()
				defer sem.Release(1)
				samples[idx] = e.Latency(e.NodeID, req)
			}(idx, req)
		}
	}
	wg.Wait()
	return int64(total), samples
}
