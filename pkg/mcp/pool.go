package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// GateMetrics tracks step gate operational counters.
type GateMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// ErrGateClosed is returned when work arrives after shutdown.
var ErrGateClosed = errors.New("step gate is shut down")

// StepGate bounds how many step cycles run at once. session.step calls
// acquire a slot before running, so a slow session's backoff occupies one
// slot instead of the whole transport. Execution is synchronous: Do returns
// the work's error once it finishes.
type StepGate struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics GateMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewStepGate creates a gate with the given max concurrency.
func NewStepGate(size int) *StepGate {
	if size <= 0 {
		size = 1
	}
	return &StepGate{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Do acquires a slot and runs fn. It blocks while the gate is at capacity,
// respecting context cancellation while waiting. Returns ErrGateClosed if
// the gate has been shut down.
func (g *StepGate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrGateClosed
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.sem
		return ErrGateClosed
	}
	g.wg.Add(1)
	atomic.AddInt64(&g.metrics.Active, 1)
	g.mu.Unlock()

	defer func() {
		atomic.AddInt64(&g.metrics.Active, -1)
		<-g.sem
		g.wg.Done()
	}()

	err := fn(ctx)
	if err != nil {
		atomic.AddInt64(&g.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&g.metrics.Completed, 1)
	}
	return err
}

// Shutdown prevents new work and waits for active work to finish.
func (g *StepGate) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.done)
	g.mu.Unlock()

	g.wg.Wait()
}

// Metrics returns a snapshot of the current counters.
func (g *StepGate) Metrics() GateMetrics {
	return GateMetrics{
		Active:    atomic.LoadInt64(&g.metrics.Active),
		Completed: atomic.LoadInt64(&g.metrics.Completed),
		Failed:    atomic.LoadInt64(&g.metrics.Failed),
	}
}
