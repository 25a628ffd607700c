package cmn

import "fmt"

// Each error kind below gets its own type, the same way the teacher's cmn
// package does (e.g. cmn.ErrorBucketAlreadyExists, cmn.InsufficientCapacityError),
// so callers can errors.As() instead of string-matching.

// InvalidDefinitionError rejects a BenchmarkDefinition that fails
// BenchmarkDefinition.Validate.
type InvalidDefinitionError struct{ msg string }

func NewInvalidDefinitionError(format string, a ...interface{}) *InvalidDefinitionError {
	return &InvalidDefinitionError{msg: fmt.Sprintf(format, a...)}
}
func (e *InvalidDefinitionError) Error() string { return "invalid benchmark definition: " + e.msg }

// InsufficientExecutorsError is returned by startBenchmark when fewer than
// def.NumExecutorNodes capable, alive nodes exist.
type InsufficientExecutorsError struct {
	Required, Available int
}

func (e *InsufficientExecutorsError) Error() string {
	return fmt.Sprintf("insufficient executors: need %d, have %d available", e.Required, e.Available)
}

// UnknownBenchmarkError is returned when pause/resume/abort/status targets
// an id with no matching entry.
type UnknownBenchmarkError struct{ BenchmarkID string }

func (e *UnknownBenchmarkError) Error() string {
	return fmt.Sprintf("unknown benchmark: %q", e.BenchmarkID)
}

// ErrStale signals a StateStore.Update CAS loss. cluster.UpdateWithRetry
// retries on it and returns it to its caller once CASRetryMax attempts
// have all failed this way.
var ErrStale = fmt.Errorf("stale state: version moved under update")

// TransportFailureError wraps an RPC-layer failure. No caller retries the
// RPC: an executor whose FetchDefinition fails reports NodeState = FAILED,
// and a FetchResults failure at the coordinator is logged and that node's
// results are left out of the aggregate.
type TransportFailureError struct {
	Op, NodeID string
	Err        error
}

func (e *TransportFailureError) Error() string {
	return fmt.Sprintf("transport failure: op=%s node=%s: %v", e.Op, e.NodeID, e.Err)
}
func (e *TransportFailureError) Unwrap() error { return e.Err }

// ErrCanceled is returned by a Transport RPC whose context was canceled.
// Cancellation never undoes side effects already committed to the state
// store.
var ErrCanceled = fmt.Errorf("transport: canceled")

// SearchFailure is raised by a SearchExecutor. Fatal failures fail the whole
// competition on a node (-> NodeState = FAILED); non-fatal ones are recorded
// in CompetitionNodeResult.Errors and execution continues.
type SearchFailure struct {
	Fatal bool
	Query string
	Err   error
}

func (e *SearchFailure) Error() string {
	kind := "non-fatal"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("search failure (%s) on query %q: %v", kind, e.Query, e.Err)
}
func (e *SearchFailure) Unwrap() error { return e.Err }

// MasterLostError is surfaced to a client whose listenerSlot was owned by a
// coordinator that lost mastership mid-run. The client is expected to poll
// listBenchmarks/status to reconcile.
type MasterLostError struct{ BenchmarkID string }

func (e *MasterLostError) Error() string {
	return fmt.Sprintf("master lost while awaiting result of benchmark %q; poll status to reconcile", e.BenchmarkID)
}

// TimeoutError is a client-side deadline exceeded; it never rolls back
// cluster state.
type TimeoutError struct{ BenchmarkID string }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for benchmark %q; it is still running", e.BenchmarkID)
}

// ErrNotMaster is returned by the CoordinatorService operations that change
// state (start, pause, resume, abort, delete) when the local node is not the
// elected master. The read-only list, status and result calls do not check
// mastership and answer on any node.
var ErrNotMaster = fmt.Errorf("not master")
