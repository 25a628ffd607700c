// Package coordinator implements CoordinatorService: the master-only
// control loop that creates benchmarks, assigns executor nodes, reacts to
// cluster-state transitions with CAS-guarded, fire-at-most-once handlers,
// and aggregates final results. Grounded on
// the teacher's reb.Manager (reb/global.go's stage-precheck-init pipeline)
// and reb/bcast.go's quorum bookkeeping (nodesNotInStage), generalized
// from a fixed rebalance stage sequence to the benchmark phase machine.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/stats"
	"github.com/mute/escoord/transport"
)

// benchFlags guards each of the four listener transitions a benchmark can
// fire so that every one of them runs at most once, the same role
// reb.Manager.stages plays for the teacher's rebalance stage machine: a
// monotonic marker that a re-delivered or re-observed event cannot cross
// twice.
type benchFlags struct {
	onReady    atomic.Bool
	onFinished atomic.Bool
	onResumed  atomic.Bool
	onAbort    atomic.Bool
}

// Service is CoordinatorService. Exactly one Service per node is wired up;
// StartBenchmark, PauseBenchmark, ResumeBenchmark, AbortBenchmark and
// DeleteBenchmark no-op with cmn.ErrNotMaster unless Transport.IsMaster()
// is true when they're called. ListBenchmarks, GetStatus and GetResult do
// not check mastership.
type Service struct {
	store    cluster.StateStore
	tp       transport.Transport
	liveness *cluster.LivenessTracker
	agg      *stats.Aggregator
	to       cmn.Timeouts

	mu          sync.Mutex
	flags       map[string]*benchFlags
	definitions map[string]*cmn.BenchmarkDefinition
	results     map[string]*stats.BenchmarkResult

	unsubscribeStore func()
	unsubscribeNode  func()
}

// NewService wires a Service against its collaborators.
func NewService(store cluster.StateStore, tp transport.Transport, liveness *cluster.LivenessTracker, agg *stats.Aggregator, to cmn.Timeouts) *Service {
	return &Service{
		store:       store,
		tp:          tp,
		liveness:    liveness,
		agg:         agg,
		to:          to,
		flags:       make(map[string]*benchFlags),
		definitions: make(map[string]*cmn.BenchmarkDefinition),
		results:     make(map[string]*stats.BenchmarkResult),
	}
}

// Start subscribes to state-store commits and node-removal events, and
// registers this node's answer to the FetchDefinition RPC. A no-op for a
// node that never becomes master - it simply never sees IsMaster() true.
func (s *Service) Start() {
	s.tp.RegisterDefinitionSource(s.onFetchDefinition)
	s.unsubscribeStore = s.store.Subscribe(s.onStoreChange)
	s.unsubscribeNode = s.tp.OnNodeRemoved(s.onNodeRemoved)
}

func (s *Service) Stop() {
	if s.unsubscribeStore != nil {
		s.unsubscribeStore()
	}
	if s.unsubscribeNode != nil {
		s.unsubscribeNode()
	}
}

func (s *Service) flagsFor(benchmarkID string) *benchFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[benchmarkID]
	if !ok {
		f = &benchFlags{}
		s.flags[benchmarkID] = f
	}
	return f
}

// StartBenchmark validates the definition, HRW-selects executor nodes,
// and persists the new entry as INITIALIZING.
func (s *Service) StartBenchmark(ctx context.Context, def *cmn.BenchmarkDefinition) (string, error) {
	if !s.tp.IsMaster() {
		return "", cmn.ErrNotMaster
	}
	if def.BenchmarkID == "" {
		def.BenchmarkID = uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	candidates := s.tp.AliveNodes()
	nodes, err := cluster.SelectExecutors(def.BenchmarkID, candidates, def.NumExecutorNodes)
	if err != nil {
		return "", err
	}

	nodeIDs := make([]string, len(nodes))
	nodeStateMap := make(map[string]cmn.NodeState, len(nodes))
	for i, n := range nodes {
		nodeIDs[i] = n.ID
		nodeStateMap[n.ID] = cmn.NodeInitializing
	}

	s.mu.Lock()
	s.definitions[def.BenchmarkID] = def
	s.mu.Unlock()
	s.liveness.Track(def.BenchmarkID, nodeIDs)

	entry := &cmn.Entry{
		BenchmarkID:   def.BenchmarkID,
		State:         cmn.Initializing,
		NodeStateMap:  nodeStateMap,
		ConcreteNodes: nodeIDs,
	}
	_, err = cluster.UpdateWithRetry(ctx, s.store, s.to, func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
		if _, exists := curr.Entries[def.BenchmarkID]; exists {
			return curr, fmt.Errorf("benchmark %q already exists", def.BenchmarkID)
		}
		curr.Entries[def.BenchmarkID] = entry
		return curr, nil
	})
	if err != nil {
		s.mu.Lock()
		delete(s.definitions, def.BenchmarkID)
		s.mu.Unlock()
		return "", err
	}
	return def.BenchmarkID, nil
}

// ListBenchmarks returns every entry currently in the state store whose id
// matches at least one of patterns (empty/nil patterns means "all"),
// sorted by id for a stable client-facing listing.
func (s *Service) ListBenchmarks(patterns ...string) []*cmn.Entry {
	snap := s.store.Read()
	out := make([]*cmn.Entry, 0, len(snap.Meta.Entries))
	for id, e := range snap.Meta.Entries {
		if !cmn.MatchesAny(id, patterns) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BenchmarkID < out[j].BenchmarkID })
	return out
}

// GetStatus returns one entry, or UnknownBenchmarkError.
func (s *Service) GetStatus(benchmarkID string) (*cmn.Entry, error) {
	snap := s.store.Read()
	e, ok := snap.Meta.Entries[benchmarkID]
	if !ok {
		return nil, &cmn.UnknownBenchmarkError{BenchmarkID: benchmarkID}
	}
	return e.Clone(), nil
}

// GetResult returns the cached aggregated result of a finished benchmark,
// if onFinished/onAbort has run for it yet.
func (s *Service) GetResult(benchmarkID string) (*stats.BenchmarkResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[benchmarkID]
	return r, ok
}

// PauseBenchmark moves every RUNNING benchmark matching patterns to PAUSED.
// Patterns may contain glob wildcards.
func (s *Service) PauseBenchmark(ctx context.Context, patterns ...string) error {
	return s.transition(ctx, patterns, cmn.Running, cmn.Paused)
}

// ResumeBenchmark moves every PAUSED benchmark matching patterns to
// RESUMING.
func (s *Service) ResumeBenchmark(ctx context.Context, patterns ...string) error {
	return s.transition(ctx, patterns, cmn.Paused, cmn.Resuming)
}

// AbortBenchmark moves every non-terminal benchmark matching patterns to
// ABORTED; a benchmark already terminal is left alone. Returns
// UnknownBenchmarkError if patterns matches nothing at all.
func (s *Service) AbortBenchmark(ctx context.Context, patterns ...string) error {
	if !s.tp.IsMaster() {
		return cmn.ErrNotMaster
	}
	var aborted []*cmn.Entry
	_, err := cluster.UpdateWithRetry(ctx, s.store, s.to, func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
		aborted = aborted[:0]
		matched := 0
		for id, e := range curr.Entries {
			if !cmn.MatchesAny(id, patterns) {
				continue
			}
			matched++
			if e.State.Terminal() {
				continue
			}
			e.State = cmn.Aborted
			curr.Entries[id] = e
			aborted = append(aborted, e)
		}
		if matched == 0 {
			return curr, &cmn.UnknownBenchmarkError{BenchmarkID: firstPattern(patterns)}
		}
		return curr, nil
	})
	if err != nil {
		return err
	}
	s.nudgeAbort(aborted)
	return nil
}

// nudgeAbort best-effort-RPCs "bench/node/abort" at every assigned node of
// each newly-aborted entry - purely a latency optimization (spec §4.2): the
// authoritative ABORTED transition already committed to the state store and
// every node will observe it on its own via the normal subscribe path
// regardless of whether this nudge arrives.
func (s *Service) nudgeAbort(entries []*cmn.Entry) {
	for _, e := range entries {
		for _, nodeID := range e.ConcreteNodes {
			ctx, cancel := context.WithTimeout(context.Background(), s.to.RPC)
			if err := s.tp.AbortLocal(ctx, nodeID, e.BenchmarkID); err != nil {
				glog.V(3).Infof("coordinator: AbortLocal(%s, %s): %v", nodeID, e.BenchmarkID, err)
			}
			cancel()
		}
	}
}

// DeleteBenchmark removes a terminal entry from the state store and
// releases its cached definition/result. Deletion is never automatic:
// terminal entries are final until deleted - a caller must explicitly
// retire a finished benchmark.
func (s *Service) DeleteBenchmark(ctx context.Context, benchmarkID string) error {
	if !s.tp.IsMaster() {
		return cmn.ErrNotMaster
	}
	_, err := cluster.UpdateWithRetry(ctx, s.store, s.to, func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
		e, ok := curr.Entries[benchmarkID]
		if !ok {
			return curr, &cmn.UnknownBenchmarkError{BenchmarkID: benchmarkID}
		}
		if !e.State.Terminal() {
			return curr, fmt.Errorf("cannot delete benchmark %q: not yet terminal (state=%s)", benchmarkID, e.State)
		}
		delete(curr.Entries, benchmarkID)
		return curr, nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.definitions, benchmarkID)
	delete(s.results, benchmarkID)
	delete(s.flags, benchmarkID)
	s.mu.Unlock()
	return nil
}

// transition is the shared CAS body of PauseBenchmark/ResumeBenchmark: move
// every entry matching patterns currently in state from to state to,
// silently skipping any match not currently in from - a pattern addresses
// a set of benchmarks, not all of which need be in the same phase.
// Returns UnknownBenchmarkError if patterns matches no entry at all.
func (s *Service) transition(ctx context.Context, patterns []string, from, to cmn.GlobalState) error {
	if !s.tp.IsMaster() {
		return cmn.ErrNotMaster
	}
	_, err := cluster.UpdateWithRetry(ctx, s.store, s.to, func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
		matched := 0
		for id, e := range curr.Entries {
			if !cmn.MatchesAny(id, patterns) {
				continue
			}
			matched++
			if e.State != from {
				continue
			}
			e.State = to
			curr.Entries[id] = e
		}
		if matched == 0 {
			return curr, &cmn.UnknownBenchmarkError{BenchmarkID: firstPattern(patterns)}
		}
		return curr, nil
	})
	return err
}

func firstPattern(patterns []string) string {
	if len(patterns) == 0 {
		return "*"
	}
	return patterns[0]
}

// onFetchDefinition answers the executor-side FetchDefinition RPC.
func (s *Service) onFetchDefinition(benchmarkID string) (*cmn.BenchmarkDefinition, error) {
	s.mu.Lock()
	def, ok := s.definitions[benchmarkID]
	s.mu.Unlock()
	if !ok {
		return nil, &cmn.UnknownBenchmarkError{BenchmarkID: benchmarkID}
	}
	return def, nil
}

// onStoreChange re-evaluates every entry on every committed state-store
// version. A node that is not master takes no action - only the elected
// master drives benchmark transitions.
func (s *Service) onStoreChange(_, curr cluster.Snapshot) {
	if !s.tp.IsMaster() {
		return
	}
	for id, entry := range curr.Meta.Entries {
		s.evaluate(id, entry)
	}
}

// onNodeRemoved keeps quorum predicates responsive to liveness changes
// that happen between state-store commits: losing a node can satisfy a
// predicate that was blocked on it without any entry content changing, so
// this re-runs evaluate for every benchmark that node was assigned to.
func (s *Service) onNodeRemoved(nodeID string) {
	s.liveness.OnNodeRemoved(nodeID)
	if !s.tp.IsMaster() {
		return
	}
	snap := s.store.Read()
	for id, entry := range snap.Meta.Entries {
		if _, assigned := entry.NodeStateMap[nodeID]; assigned {
			s.evaluate(id, entry)
		}
	}
}

// evaluate applies the global phase machine's transition table: each row
// is guarded by its own CAS flag, so redelivering the same (state, quorum)
// pair is a no-op - each transition fires at most once per benchmark.
func (s *Service) evaluate(benchmarkID string, entry *cmn.Entry) {
	// Reconstructs liveness bookkeeping a freshly failed-over master never
	// saw StartBenchmark for: a new master rebuilds its view from
	// ConcreteNodes rather than starting blind. A no-op against a
	// benchmark this node already tracks.
	s.liveness.Track(benchmarkID, entry.ConcreteNodes)

	flags := s.flagsFor(benchmarkID)
	switch entry.State {
	case cmn.Initializing:
		if allAliveReady(entry, s.liveness) && flags.onReady.CAS(false, true) {
			s.onReady(benchmarkID)
		}
	case cmn.Running:
		if allAliveFinished(entry, s.liveness) && flags.onFinished.CAS(false, true) {
			s.onFinished(benchmarkID)
		}
	case cmn.Paused:
		// no automatic transition; waits for an explicit ResumeBenchmark.
	case cmn.Resuming:
		if allAliveRunningAgain(entry, s.liveness) && flags.onResumed.CAS(false, true) {
			s.onResumed(benchmarkID)
		}
	case cmn.Aborted:
		if allAliveAborted(entry, s.liveness) && flags.onAbort.CAS(false, true) {
			s.onAbort(benchmarkID)
		}
	case cmn.Completed, cmn.Failed:
		s.liveness.Forget(benchmarkID)
		s.mu.Lock()
		delete(s.flags, benchmarkID)
		s.mu.Unlock()
	}
}

// onReady fires once every alive node has reported READY: flip the
// benchmark to RUNNING.
func (s *Service) onReady(benchmarkID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.to.RPC)
	defer cancel()
	if _, err := cluster.UpdateWithRetry(ctx, s.store, s.to, setGlobalState(benchmarkID, cmn.Running)); err != nil {
		glog.Errorf("coordinator: onReady(%s): %v", benchmarkID, err)
	}
}

// onResumed fires once every alive node has reported RUNNING again: flip
// a RESUMING benchmark back to RUNNING.
func (s *Service) onResumed(benchmarkID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.to.RPC)
	defer cancel()
	if _, err := cluster.UpdateWithRetry(ctx, s.store, s.to, setGlobalState(benchmarkID, cmn.Running)); err != nil {
		glog.Errorf("coordinator: onResumed(%s): %v", benchmarkID, err)
	}
}

// onFinished fires once every alive node has reached a Done() state while
// RUNNING: RPC FetchResults from every alive non-failed node, aggregate,
// cache the BenchmarkResult, and flip to COMPLETED (or FAILED if no node
// produced any results at all).
func (s *Service) onFinished(benchmarkID string) {
	s.collectAndFinalize(benchmarkID, cmn.Completed, cmn.Failed)
}

// onAbort fires once every alive node has reported its local ABORTED.
// Partial results are still collected the same way onFinished does, but
// the global state stays ABORTED. The cached BenchmarkResult holds only
// the aggregated competition results; per-node states are not copied into
// it and remain visible only through the entry's NodeStateMap.
func (s *Service) onAbort(benchmarkID string) {
	s.collectAndFinalize(benchmarkID, cmn.Aborted, cmn.Aborted)
}

// collectAndFinalize is the shared FetchResults/aggregate/cache/commit
// body behind onFinished and onAbort. successState is written when at
// least one alive node produced results; emptyState is written when none
// did (every assigned node either died or FAILED outright).
func (s *Service) collectAndFinalize(benchmarkID string, successState, emptyState cmn.GlobalState) {
	snap := s.store.Read()
	entry, ok := snap.Meta.Entries[benchmarkID]
	if !ok {
		return
	}

	// Fan the FetchResults RPC out to every alive, non-failed node
	// concurrently - the same errgroup shape the teacher's rebalance
	// broadcast (reb/bcast.go) uses to wait on N target acks at once rather
	// than serializing an RPC whose latency is per-node, not per-cluster.
	var (
		mu      sync.Mutex
		perNode []*stats.PerNodeResults
	)
	g, gctx := errgroup.WithContext(context.Background())
	for nodeID, st := range entry.NodeStateMap {
		if !s.liveness.IsAlive(benchmarkID, nodeID) || st == cmn.NodeFailed {
			continue
		}
		nodeID := nodeID
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, s.to.RPC)
			defer cancel()
			res, err := s.tp.FetchResults(ctx, nodeID, benchmarkID)
			if err != nil {
				glog.Warningf("coordinator: FetchResults(%s, %s): %v", nodeID, benchmarkID, err)
				return nil
			}
			mu.Lock()
			perNode = append(perNode, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // every call swallows its own error into a log line above

	result := s.aggregate(benchmarkID, perNode)
	s.mu.Lock()
	s.results[benchmarkID] = result
	s.mu.Unlock()

	final := successState
	if len(perNode) == 0 {
		final = emptyState
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.to.RPC)
	defer cancel()
	if _, err := cluster.UpdateWithRetry(ctx, s.store, s.to, setGlobalState(benchmarkID, final)); err != nil {
		glog.Errorf("coordinator: finalize(%s): %v", benchmarkID, err)
	}
}

// aggregate merges per-node results per competition using the Aggregator,
// applying each competition's own effective percentile list.
func (s *Service) aggregate(benchmarkID string, perNode []*stats.PerNodeResults) *stats.BenchmarkResult {
	s.mu.Lock()
	def := s.definitions[benchmarkID]
	s.mu.Unlock()

	out := &stats.BenchmarkResult{BenchmarkID: benchmarkID, Competitions: map[string]*stats.CompetitionResult{}}
	if def == nil {
		return out
	}
	for _, comp := range def.Competitions {
		var nodeResults []*stats.CompetitionNodeResult
		for _, nr := range perNode {
			if cr, ok := nr.ByComp[comp.Name]; ok {
				nodeResults = append(nodeResults, cr)
			}
		}
		out.Competitions[comp.Name] = s.agg.Merge(comp.Name, nodeResults, comp.EffectivePercentiles())
	}
	return out
}

func setGlobalState(benchmarkID string, state cmn.GlobalState) cluster.MutatorFn {
	return func(curr *cmn.BenchmarkMetaData) (*cmn.BenchmarkMetaData, error) {
		e, ok := curr.Entries[benchmarkID]
		if !ok {
			return curr, nil
		}
		e.State = state
		curr.Entries[benchmarkID] = e
		return curr, nil
	}
}
