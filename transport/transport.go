// Package transport defines the Transport collaborator: addressable
// point-to-point RPCs plus master discovery. Grounded on the teacher's
// transport package (transport/collect.go's single control-loop goroutine
// owning a registry, started/stopped explicitly) generalized from a
// streaming object-transport to the three typed RPCs this subsystem needs.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/mute/escoord/cluster"
	"github.com/mute/escoord/cmn"
	"github.com/mute/escoord/stats"
)

// Transport is the one-way-RPC + membership contract every component
// above it (coordinator, executor) is built against. The real
// implementation routes over intra-cluster HTTP the way aistore does; see
// MemTransport for the in-process reference used by tests and by single
// binary demo wiring.
type Transport interface {
	IsMaster() bool
	LocalNodeID() string
	AliveNodes() []cluster.Snode

	// OnNodeRemoved delivers node ids as they leave the cluster, consumed
	// by cluster.LivenessTracker. The returned func unsubscribes.
	OnNodeRemoved(fn func(nodeID string)) (unsubscribe func())

	// FetchDefinition is called by an executor against the master to
	// fetch a benchmark's definition and allocate per-executor state.
	FetchDefinition(ctx context.Context, benchmarkID string) (*cmn.BenchmarkDefinition, error)

	// FetchResults is called by the master against one executor node to
	// collect whatever results it has accumulated so far.
	FetchResults(ctx context.Context, nodeID, benchmarkID string) (*stats.PerNodeResults, error)

	// AbortLocal is a best-effort nudge from the master to one executor
	// node; the authoritative truth still lives in the state store.
	AbortLocal(ctx context.Context, nodeID, benchmarkID string) error

	// RegisterDefinitionSource lets the master side answer
	// FetchDefinition calls.
	RegisterDefinitionSource(fn DefinitionSourceFn)
	// RegisterResultsSource lets an executor node answer FetchResults
	// calls targeting it.
	RegisterResultsSource(fn ResultsSourceFn)
	// RegisterAbortSink lets an executor node handle AbortLocal nudges.
	RegisterAbortSink(fn AbortSinkFn)
}

type (
	DefinitionSourceFn func(benchmarkID string) (*cmn.BenchmarkDefinition, error)
	ResultsSourceFn    func(benchmarkID string) (*stats.PerNodeResults, error)
	AbortSinkFn        func(benchmarkID string)
)

// Hub is the shared rendezvous point for every node's MemTransport handle
// in a single process - the in-memory stand-in for the network. Tests spin
// up one Hub, Join every simulated node against it, and can call
// Hub.Remove to simulate a node death mid-run.
type Hub struct {
	mu       sync.Mutex
	masterID string
	nodes    map[string]*MemTransport
	onRemove []func(nodeID string)
}

// NewHub returns a Hub whose elected master is masterID.
func NewHub(masterID string) *Hub {
	return &Hub{masterID: masterID, nodes: make(map[string]*MemTransport)}
}

// Join registers a new simulated node and returns its Transport handle.
func (h *Hub) Join(nodeID string, canRunBenchmarks bool) *MemTransport {
	t := &MemTransport{hub: h, nodeID: nodeID, canRun: canRunBenchmarks}
	h.mu.Lock()
	h.nodes[nodeID] = t
	h.mu.Unlock()
	return t
}

// SetMaster re-elects the master, for tests simulating a failover.
func (h *Hub) SetMaster(nodeID string) {
	h.mu.Lock()
	h.masterID = nodeID
	h.mu.Unlock()
}

// Remove simulates a node death: it is dropped from AliveNodes() and every
// OnNodeRemoved subscriber across the hub is notified.
func (h *Hub) Remove(nodeID string) {
	h.mu.Lock()
	delete(h.nodes, nodeID)
	subs := append([]func(string){}, h.onRemove...)
	h.mu.Unlock()
	glog.V(3).Infof("transport: node %s removed", nodeID)
	for _, fn := range subs {
		fn(nodeID)
	}
}

// MemTransport is a Transport bound to one simulated node inside a Hub.
type MemTransport struct {
	hub    *Hub
	nodeID string
	canRun bool

	mu         sync.Mutex
	defSrc     DefinitionSourceFn
	resultsSrc ResultsSourceFn
	abortSink  AbortSinkFn
}

func (t *MemTransport) IsMaster() bool {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	return t.hub.masterID == t.nodeID
}

func (t *MemTransport) LocalNodeID() string { return t.nodeID }

func (t *MemTransport) AliveNodes() []cluster.Snode {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	out := make([]cluster.Snode, 0, len(t.hub.nodes))
	for id, n := range t.hub.nodes {
		out = append(out, cluster.Snode{ID: id, CanRunBenchmarks: n.canRun})
	}
	return out
}

func (t *MemTransport) OnNodeRemoved(fn func(nodeID string)) (unsubscribe func()) {
	t.hub.mu.Lock()
	t.hub.onRemove = append(t.hub.onRemove, fn)
	idx := len(t.hub.onRemove) - 1
	t.hub.mu.Unlock()
	return func() {
		t.hub.mu.Lock()
		defer t.hub.mu.Unlock()
		if idx < len(t.hub.onRemove) {
			t.hub.onRemove[idx] = func(string) {}
		}
	}
}

func (t *MemTransport) masterHandle() (*MemTransport, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	m, ok := t.hub.nodes[t.hub.masterID]
	if !ok {
		return nil, &cmn.TransportFailureError{Op: "master-lookup", NodeID: t.hub.masterID, Err: cmn.ErrCanceled}
	}
	return m, nil
}

func (t *MemTransport) nodeHandle(nodeID string) (*MemTransport, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	n, ok := t.hub.nodes[nodeID]
	if !ok {
		return nil, &cmn.TransportFailureError{Op: "node-lookup", NodeID: nodeID, Err: cmn.ErrCanceled}
	}
	return n, nil
}

func (t *MemTransport) FetchDefinition(ctx context.Context, benchmarkID string) (*cmn.BenchmarkDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, cmn.ErrCanceled
	}
	m, err := t.masterHandle()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	fn := m.defSrc
	m.mu.Unlock()
	if fn == nil {
		return nil, &cmn.TransportFailureError{Op: cmn.ActFetchDefinition, NodeID: m.nodeID, Err: cmn.ErrCanceled}
	}
	return fn(benchmarkID)
}

func (t *MemTransport) FetchResults(ctx context.Context, nodeID, benchmarkID string) (*stats.PerNodeResults, error) {
	if err := ctx.Err(); err != nil {
		return nil, cmn.ErrCanceled
	}
	n, err := t.nodeHandle(nodeID)
	if err != nil {
		return nil, &cmn.TransportFailureError{Op: cmn.ActFetchResults, NodeID: nodeID, Err: err}
	}
	n.mu.Lock()
	fn := n.resultsSrc
	n.mu.Unlock()
	if fn == nil {
		return nil, &cmn.TransportFailureError{Op: cmn.ActFetchResults, NodeID: nodeID, Err: cmn.ErrCanceled}
	}
	return fn(benchmarkID)
}

func (t *MemTransport) AbortLocal(ctx context.Context, nodeID, benchmarkID string) error {
	if err := ctx.Err(); err != nil {
		return cmn.ErrCanceled
	}
	n, err := t.nodeHandle(nodeID)
	if err != nil {
		return nil // best-effort nudge: a node that is already gone needs no nudge
	}
	n.mu.Lock()
	fn := n.abortSink
	n.mu.Unlock()
	if fn != nil {
		fn(benchmarkID)
	}
	return nil
}

func (t *MemTransport) RegisterDefinitionSource(fn DefinitionSourceFn) {
	t.mu.Lock()
	t.defSrc = fn
	t.mu.Unlock()
}

func (t *MemTransport) RegisterResultsSource(fn ResultsSourceFn) {
	t.mu.Lock()
	t.resultsSrc = fn
	t.mu.Unlock()
}

func (t *MemTransport) RegisterAbortSink(fn AbortSinkFn) {
	t.mu.Lock()
	t.abortSink = fn
	t.mu.Unlock()
}

var _ Transport = (*MemTransport)(nil)
