// Package executor implements ExecutorService (C4, spec §4.4): the
// per-node local phase machine that watches the replicated
// BenchmarkMetaData document for entries assigned to this node and drives
// local execution through INITIALIZING -> READY -> RUNNING -> PAUSED ->
// COMPLETED/FAILED/ABORTED. Grounded on the teacher's reb/global.go stage
// machine (Manager.stages, an atomic current-stage counter plus a listener
// callback off the cluster-wide notification path) and reb/bcast.go's
// idempotent, CAS-guarded transition handlers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/search"
	"github.com/mute/escoord/stats"
	"github.com/mute/escoord/transport"
)

// benchState is PerExecutorState (spec §3): everything this node tracks
// for one benchmark it has been assigned to.
type benchState struct {
	benchmarkID string
	gate        *pauseGate
	abort       *abortFlag

	mu            sync.Mutex
	def           *cmn.BenchmarkDefinition
	workerStarted bool
	localWritten  cmn.NodeState

	resultsMu sync.Mutex
	results   map[string]*stats.CompetitionNodeResult
	fatal     bool
	errs      []string
}

func newBenchState(benchmarkID string) *benchState {
	return &benchState{
		benchmarkID: benchmarkID,
		gate:        newPauseGate(),
		abort:       &abortFlag{},
		results:     make(map[string]*stats.CompetitionNodeResult),
	}
}

// Service is ExecutorService: one instance per cluster node, bound to the
// shared StateStore and Transport and an injected SearchExecutor.
type Service struct {
	store cluster.StateStore
	tp    transport.Transport
	exec  search.SearchExecutor
	to    cmn.Timeouts

	mu      sync.Mutex
	benches map[string]*benchState

	unsubscribe func()
}

// NewService wires a Service against its collaborators. Nothing runs until
// Start is called.
func NewService(store cluster.StateStore, tp transport.Transport, exec search.SearchExecutor, to cmn.Timeouts) *Service {
	return &Service{
		store:   store,
		tp:      tp,
		exec:    exec,
		to:      to,
		benches: make(map[string]*benchState),
	}
}

// Start subscribes to state-store events and registers this node's RPC
// handlers, then processes the store's current snapshot so a Service
// started after a benchmark was already created doesn't miss its
// assignment.
func (s *Service) Start() {
	s.tp.RegisterResultsSource(s.onFetchResults)
	s.tp.RegisterAbortSink(s.onAbortNudge)
	s.unsubscribe = s.store.Subscribe(s.onChange)
	s.onChange(cluster.Snapshot{}, s.store.Read())
}

// Stop unsubscribes from the state store. In-flight workers run to
// completion; they simply stop finding anyone listening for further state
// transitions.
func (s *Service) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Service) onChange(_, curr cluster.Snapshot) {
	nodeID := s.tp.LocalNodeID()
	seen := make(map[string]bool, len(curr.Meta.Entries))
	for id, entry := range curr.Meta.Entries {
		if entry == nil {
			continue
		}
		if _, assigned := entry.NodeStateMap[nodeID]; !assigned {
			continue
		}
		seen[id] = true
		s.handleEntry(id, entry)
	}

	s.mu.Lock()
	for id := range s.benches {
		if !seen[id] {
			delete(s.benches, id)
		}
	}
	s.mu.Unlock()
}

// handleEntry applies the local-phase-machine transition table of spec
// §4.4 for one observed global state. Every branch is idempotent: a
// re-observed state with the local node already in the corresponding
// phase is a no-op (spec §8 "round-trip/idempotence").
func (s *Service) handleEntry(benchmarkID string, entry *cmn.Entry) {
	s.mu.Lock()
	bs, exists := s.benches[benchmarkID]
	if !exists {
		bs = newBenchState(benchmarkID)
		s.benches[benchmarkID] = bs
	}
	s.mu.Unlock()

	if !exists {
		go s.initLocal(bs)
	}

	switch entry.State {
	case cmn.Initializing:
		// handled above: fetch-definition is the only action.
	case cmn.Running:
		bs.mu.Lock()
		start := bs.def != nil && !bs.workerStarted
		if start {
			bs.workerStarted = true
		}
		bs.mu.Unlock()
		if start {
			// Written before the worker exists so that its later terminal
			// write can never be overtaken by this one.
			s.writeLocal(bs, cmn.NodeRunning)
			go s.runWorker(bs)
		}
	case cmn.Paused:
		bs.gate.Pause()
		s.writeLocal(bs, cmn.NodePaused)
	case cmn.Resuming:
		bs.gate.Resume()
		s.writeLocal(bs, cmn.NodeRunning)
	case cmn.Aborted:
		bs.abort.set()
		// A worker parked in pauseGate.Acquire (e.g. aborted while PAUSED)
		// would otherwise never wake: Resume releases it so it can observe
		// bs.abort and exit instead of blocking for the life of the process.
		bs.gate.Resume()
		s.writeLocal(bs, cmn.NodeAborted)
	case cmn.Completed, cmn.Failed:
		// terminal globally; this node has already reported its own
		// terminal local state or never will.
	}
}

// initLocal fetches the benchmark definition from the master and reports
// READY (spec §4.4 row "INITIALIZING, no local entry"). A fetch failure -
// including an invalid definition, which should never happen given
// BenchmarkDefinition.Validate runs at creation time, but a defensive
// check costs nothing against a buggy master - fails this node immediately.
func (s *Service) initLocal(bs *benchState) {
	ctx, cancel := context.WithTimeout(context.Background(), s.to.RPC)
	defer cancel()

	def, err := s.tp.FetchDefinition(ctx, bs.benchmarkID)
	if err == nil {
		err = def.Validate()
	}
	if err != nil {
		glog.Errorf("executor: fetch-definition failed for %s: %v", bs.benchmarkID, err)
		bs.resultsMu.Lock()
		bs.fatal = true
		bs.errs = append(bs.errs, err.Error())
		bs.resultsMu.Unlock()
		s.writeLocal(bs, cmn.NodeFailed)
		return
	}

	bs.mu.Lock()
	bs.def = def
	bs.mu.Unlock()
	s.writeLocal(bs, cmn.NodeReady)
}

// runWorker drives one node's execution of every competition in order
// (spec §4.3/§4.4), then reports the terminal local state. It never
// overwrites a local state already terminal (e.g. ABORTED, written the
// instant the global state turned ABORTED regardless of where the worker
// had gotten to).
func (s *Service) runWorker(bs *benchState) {
	ctx := context.Background()
	var fatalErr error

	for _, comp := range bs.def.Competitions {
		if bs.abort.Aborted() {
			break
		}
		settings := comp.Effective(bs.def.Settings)
		res, err := s.exec.Run(ctx, comp, settings, bs.abort, bs.gate)
		if res != nil {
			bs.resultsMu.Lock()
			bs.results[comp.Name] = res
			bs.resultsMu.Unlock()
		}
		if err != nil {
			var sf *cmn.SearchFailure
			if errors.As(err, &sf) && sf.Fatal {
				fatalErr = err
				break
			}
			bs.resultsMu.Lock()
			bs.errs = append(bs.errs, err.Error())
			if res != nil {
				res.Errors = append(res.Errors, err.Error())
			}
			bs.resultsMu.Unlock()
		}
		if bs.abort.Aborted() {
			break
		}
	}

	if fatalErr != nil {
		bs.resultsMu.Lock()
		bs.fatal = true
		bs.resultsMu.Unlock()
		s.writeLocal(bs, cmn.NodeFailed)
		return
	}
	s.writeLocal(bs, cmn.NodeCompleted)
}

// writeLocal CASes this node's entry in NodeStateMap to newState, skipping
// the store round-trip entirely if the node already reported newState or
// has already reported ANY terminal state - the latter guards against the
// abort-observation and worker-completion goroutines racing to write two
// different terminal states for the same benchmark.
func (s *Service) writeLocal(bs *benchState, newState cmn.NodeState) {
	bs.mu.Lock()
	if bs.localWritten == newState || bs.localWritten.Done() {
		bs.mu.Unlock()
		return
	}
	bs.localWritten = newState
	bs.mu.Unlock()

	nodeID := s.tp.LocalNodeID()
	ctx, cancel := context.WithTimeout(context.Background(), s.to.RPC)
	defer cancel()
	if _, err := cluster.UpdateWithRetry(ctx, s.store, s.to, buildNodeStateMutator(bs.benchmarkID, nodeID, newState)); err != nil {
		glog.Errorf("executor: failed writing local state %s for benchmark %s on node %s: %v", newState, bs.benchmarkID, nodeID, err)
	}
}

func buildNodeStateMutator(benchmarkID, nodeID string, newState cmn.NodeState) cluster.MutatorFn {
	return func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
		e, ok := curr.Entries[benchmarkID]
		if !ok {
			// Entry already deleted by the coordinator; nothing to write.
			return curr, nil
		}
		if e.NodeStateMap == nil {
			e.NodeStateMap = make(map[string]cmn.NodeState, 1)
		}
		e.NodeStateMap[nodeID] = newState
		curr.Entries[benchmarkID] = e
		return curr, nil
	}
}

// onFetchResults answers the master's FetchResults RPC (spec §4.2) with
// whatever this node has accumulated so far - even mid-run, or after an
// abort that cut the worker off before it finished the last competition
// (spec §5: the worker only updates result buffers under a mutex; a
// reader only ever sees a consistent snapshot of them).
func (s *Service) onFetchResults(benchmarkID string) (*stats.PerNodeResults, error) {
	s.mu.Lock()
	bs, ok := s.benches[benchmarkID]
	s.mu.Unlock()
	if !ok {
		return nil, &cmn.UnknownBenchmarkError{BenchmarkID: benchmarkID}
	}

	bs.resultsMu.Lock()
	defer bs.resultsMu.Unlock()
	out := &stats.PerNodeResults{
		NodeID: s.tp.LocalNodeID(),
		ByComp: make(map[string]*stats.CompetitionNodeResult, len(bs.results)),
		Fatal:  bs.fatal,
		Errors: append([]string(nil), bs.errs...),
	}
	for name, res := range bs.results {
		out.ByComp[name] = res
	}
	return out, nil
}

// onAbortNudge is the best-effort AbortLocal sink (spec §4.2): it speeds
// up the worker's own check of its abort token, but the authoritative
// ABORTED transition still comes from the state store via handleEntry.
func (s *Service) onAbortNudge(benchmarkID string) {
	s.mu.Lock()
	bs, ok := s.benches[benchmarkID]
	s.mu.Unlock()
	if ok {
		bs.abort.set()
	}
}
