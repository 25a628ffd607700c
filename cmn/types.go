// Package cmn holds the data model shared by every component of the
// benchmark orchestration engine: the client-visible request/response
// shapes, the replicated BenchmarkMetaData document, and the small set of
// enums that drive the global and per-node phase machines.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// GlobalState is Entry.State - the benchmark-wide phase, written only by the
// coordinator (the master). Allowed transitions: INITIALIZING -> {RUNNING,
// FAILED}; RUNNING <-> {PAUSED via RESUMING}; {RUNNING, PAUSED} -> {COMPLETED,
// FAILED, ABORTED}.
type GlobalState string

const (
	Initializing GlobalState = "INITIALIZING"
	Running      GlobalState = "RUNNING"
	Paused       GlobalState = "PAUSED"
	Resuming     GlobalState = "RESUMING"
	Completed    GlobalState = "COMPLETED"
	Failed       GlobalState = "FAILED"
	Aborted      GlobalState = "ABORTED"
)

// Terminal reports whether g is one of the three states a benchmark cannot
// leave once entered; entries in a terminal state are final until deleted.
func (g GlobalState) Terminal() bool {
	return g == Completed || g == Failed || g == Aborted
}

// NodeState is the per-executor-node state recorded in Entry.NodeStateMap.
type NodeState string

const (
	NodeInitializing NodeState = "INITIALIZING"
	NodeReady        NodeState = "READY"
	NodeRunning      NodeState = "RUNNING"
	NodePaused       NodeState = "PAUSED"
	NodeCompleted    NodeState = "COMPLETED"
	NodeFailed       NodeState = "FAILED"
	NodeAborted      NodeState = "ABORTED"
)

// Done reports whether a node has reached a state that satisfies the
// "terminal" side of the quorum predicates in package coordinator.
func (n NodeState) Done() bool {
	return n == NodeCompleted || n == NodeFailed || n == NodeAborted
}

const (
	// DefaultIterations, DefaultConcurrency and DefaultMultiplier mirror the
	// teacher's cmn.GCO default-config idiom: a benchmark that omits a
	// setting gets a sane default rather than an error.
	DefaultIterations  = 1
	DefaultConcurrency = 1
	DefaultMultiplier  = 1
)

// DefaultPercentiles is applied when a Competition does not specify its own.
var DefaultPercentiles = []float64{10, 25, 50, 75, 90, 99}

// Settings are the benchmark-wide recognized options. A Competition may
// override any of Iterations/Concurrency/Multiplier/Warmup with its own
// non-zero value; AllowCacheClearing is benchmark-wide only.
type Settings struct {
	Iterations         int  `json:"iterations" yaml:"iterations"`
	Concurrency        int  `json:"concurrency" yaml:"concurrency"`
	Multiplier         int  `json:"multiplier" yaml:"multiplier"`
	Warmup             bool `json:"warmup" yaml:"warmup"`
	AllowCacheClearing bool `json:"allow_cache_clearing" yaml:"allow_cache_clearing"`
}

// Normalize fills in zero fields with package defaults, the way
// cmn.Config.setDefaults() does for aistore's global config.
func (s *Settings) Normalize() {
	if s.Iterations <= 0 {
		s.Iterations = DefaultIterations
	}
	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.Multiplier <= 0 {
		s.Multiplier = DefaultMultiplier
	}
}

// SearchRequest is one opaque search request inside a Competition. Body is
// never interpreted by the orchestration engine itself - only by the
// injected SearchExecutor. Fatal lets a reference SearchExecutor
// (search.SimExecutor) simulate a scripted-query compile failure.
type SearchRequest struct {
	Name  string `json:"name" yaml:"name"`
	Body  string `json:"body" yaml:"body"`
	Fatal bool   `json:"fatal,omitempty" yaml:"fatal,omitempty"`
}

// Competition is a named group of search requests sharing one set of
// iteration/concurrency settings.
type Competition struct {
	Name        string          `json:"name" yaml:"name"`
	Concurrency int             `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Multiplier  int             `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Iterations  int             `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	Warmup      bool            `json:"warmup,omitempty" yaml:"warmup,omitempty"`
	Requests    []SearchRequest `json:"requests" yaml:"requests"`
	Percentiles []float64       `json:"percentiles,omitempty" yaml:"percentiles,omitempty"`
}

// Effective resolves this competition's settings against the benchmark-wide
// defaults, the same override-then-fallback shape as
// cmn.BucketProps.Apply(propsToUpdate) in the teacher.
func (c *Competition) Effective(defaults Settings) Settings {
	eff := defaults
	if c.Iterations > 0 {
		eff.Iterations = c.Iterations
	}
	if c.Concurrency > 0 {
		eff.Concurrency = c.Concurrency
	}
	if c.Multiplier > 0 {
		eff.Multiplier = c.Multiplier
	}
	if c.Warmup {
		eff.Warmup = true
	}
	eff.Normalize()
	return eff
}

// EffectivePercentiles returns c.Percentiles or the package default.
func (c *Competition) EffectivePercentiles() []float64 {
	if len(c.Percentiles) > 0 {
		return c.Percentiles
	}
	return DefaultPercentiles
}

// BenchmarkDefinition is immutable from creation. It is the payload an
// executor fetches via the "bench/node/definition" RPC.
type BenchmarkDefinition struct {
	BenchmarkID      string        `json:"benchmark_id" yaml:"benchmark_id"`
	Competitions     []Competition `json:"competitions" yaml:"competitions"`
	NumExecutorNodes int           `json:"num_executor_nodes" yaml:"num_executor_nodes"`
	Settings         Settings      `json:"settings" yaml:"settings"`
}

// Validate enforces the structural invariants a definition must hold: a
// positive node count and a non-empty, well-formed competition list.
func (d *BenchmarkDefinition) Validate() error {
	if d.BenchmarkID == "" {
		return NewInvalidDefinitionError("missing benchmark_id")
	}
	if d.NumExecutorNodes < 1 {
		return NewInvalidDefinitionError("num_executor_nodes must be >= 1")
	}
	if len(d.Competitions) == 0 {
		return NewInvalidDefinitionError("competitions must be non-empty")
	}
	for i := range d.Competitions {
		c := &d.Competitions[i]
		if c.Name == "" {
			return NewInvalidDefinitionError("competition[%d]: missing name", i)
		}
		if len(c.Requests) == 0 {
			return NewInvalidDefinitionError("competition %q: requests must be non-empty", c.Name)
		}
	}
	return nil
}

// Entry is one record of the replicated BenchmarkMetaData document. Field
// names are contractual: they are the wire representation persisted into
// cluster state, not just an in-memory convenience.
type Entry struct {
	BenchmarkID   string               `json:"benchmark_id"`
	State         GlobalState          `json:"state"`
	NodeStateMap  map[string]NodeState `json:"node_state_map"`
	ConcreteNodes []string             `json:"concrete_nodes"`
}

// Clone makes a deep-enough copy for a StateStore mutator to hand back to
// its caller without aliasing the version currently under a CAS.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := &Entry{
		BenchmarkID:   e.BenchmarkID,
		State:         e.State,
		NodeStateMap:  make(map[string]NodeState, len(e.NodeStateMap)),
		ConcreteNodes: append([]string(nil), e.ConcreteNodes...),
	}
	for k, v := range e.NodeStateMap {
		cp.NodeStateMap[k] = v
	}
	return cp
}

// BenchmarkMetaData is the single field of cluster state this subsystem
// owns: a mapping from benchmarkId to Entry.
type BenchmarkMetaData struct {
	Entries map[string]*Entry `json:"entries"`
}

// Clone deep-copies the map of entries and every Entry in it (via
// Entry.Clone), so a snapshot never aliases a later mutation.
func (m *BenchmarkMetaData) Clone() *BenchmarkMetaData {
	cp := &BenchmarkMetaData{Entries: make(map[string]*Entry, len(m.Entries))}
	for id, e := range m.Entries {
		cp.Entries[id] = e.Clone()
	}
	return cp
}

// Timeouts generalizes the teacher's cmn.Config.Timeout section
// (CplaneOperation, MaxKeepalive, DestRetryTime) down to what this
// subsystem's StateStore/Transport callers need.
type Timeouts struct {
	// RPC is the per-call deadline for Transport requests.
	RPC time.Duration
	// CASRetry is the backoff between StateStore.Update retries on Stale.
	CASRetry time.Duration
	// CASRetryMax bounds the total number of Update attempts (the first
	// one included) before giving up.
	CASRetryMax int
	// Keepalive is carried as configuration but read by no component in
	// this module; LivenessTracker reacts only to explicit node-removal
	// events, not to heartbeats.
	Keepalive time.Duration
}

// DefaultTimeouts mirrors the magnitude of the teacher's defaults
// (CplaneOperation ~2s, DestRetryTime ~2m) scaled for a benchmark run
// rather than a multi-TB rebalance.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		RPC:         10 * time.Second,
		CASRetry:    50 * time.Millisecond,
		CASRetryMax: 20,
		Keepalive:   5 * time.Second,
	}
}
