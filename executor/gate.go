package executor

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// pauseGate implements search.PauseToken: Acquire blocks while paused and
// returns immediately while running. Grounded on the teacher's
// cmn.DynSemaphore (reb/global.go: "sema *cmn.DynSemaphore"), generalized
// from a counting semaphore to a plain open/shut gate since at most one
// worker per benchmark ever waits on it.
type pauseGate struct {
	mu sync.Mutex
	ch chan struct{} // closed == running; open (unclosed) == paused
}

func newPauseGate() *pauseGate {
	g := &pauseGate{ch: make(chan struct{})}
	close(g.ch) // starts released: a benchmark begins RUNNING, never PAUSED
	return g
}

// Pause closes off the gate. Idempotent.
func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// already paused
	}
}

// Resume releases the gate. Idempotent.
func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already running
	default:
		close(g.ch)
	}
}

// Acquire implements search.PauseToken.
func (g *pauseGate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortFlag implements search.AbortToken atomically.
type abortFlag struct{ v atomic.Bool }

func (f *abortFlag) Aborted() bool { return f.v.Load() }
func (f *abortFlag) set()          { f.v.Store(true) }
