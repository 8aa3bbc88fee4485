// Package govern implements the Concurrency Governor (C6): the bounded
// job semaphore, the register-stage mutex, and the active-task counter
// that the Build Driver waits on for quiescence.
package govern

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Governor bundles the three concurrency primitives described in §4.6.
// A single Governor is shared by every package task in a build run.
type Governor struct {
	jobSem *semaphore.Weighted

	registerMu sync.Mutex

	wg sync.WaitGroup
}

// New returns a Governor whose job semaphore has capacity j (the
// user-configured parallelism).
func New(j int) *Governor {
	if j < 1 {
		j = 1
	}
	return &Governor{jobSem: semaphore.NewWeighted(int64(j))}
}

// AcquireJob blocks until a job slot is available or ctx is cancelled. It
// must be held only around an external process invocation (§4.6) — never
// around a dependency wait, so that blocked tasks never consume a slot
// (§5, invariant I4).
func (g *Governor) AcquireJob(ctx context.Context) error {
	return g.jobSem.Acquire(ctx, 1)
}

// ReleaseJob releases a previously-acquired job slot. Callers must call
// this on every exit path from the critical section, including errors and
// panics, per §5's cancellation rules.
func (g *Governor) ReleaseJob() {
	g.jobSem.Release(1)
}

// WithRegister runs fn while holding the register-stage mutex, guaranteeing
// invariant I3: no two tasks register a package concurrently, because the
// underlying package database is not safe for concurrent writers.
func (g *Governor) WithRegister(fn func() error) error {
	g.registerMu.Lock()
	defer g.registerMu.Unlock()
	return fn()
}

// TaskStarted must be called once when a package task begins executing,
// before any stage runs.
func (g *Governor) TaskStarted() {
	g.wg.Add(1)
}

// TaskFinished must be called exactly once per TaskStarted, including on
// the early-exit and panic-recovery paths, when a package task is
// entirely done (regardless of success or failure).
func (g *Governor) TaskFinished() {
	g.wg.Done()
}

// Wait blocks until every started task has finished. Because no stage in
// this design spawns a subtask (§9's open question), an explicit
// WaitGroup counter is both correct and immune to the transactional-read
// race the source's implementation has to reason its way around.
func (g *Governor) Wait() {
	g.wg.Wait()
}
