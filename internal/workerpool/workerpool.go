// Package workerpool offloads the node's CPU-heavy, embarrassingly
// parallel verification work — puzzle evaluation, BLS aggregate
// signature checks, weight-proof sub-epoch verification — onto a
// bounded set of goroutines, so a burst of blocks or gossiped spend
// bundles cannot spawn an unbounded number of concurrent verifications.
package workerpool

import (
	"context"
	"runtime"

	"github.com/JekaMas/workerpool"
)

// Pool runs submitted verification jobs on a fixed number of workers.
type Pool struct {
	wp *workerpool.WorkerPool
}

// New creates a pool sized to size workers. A size of zero or less
// defaults to the number of CPU cores left after reserving
// reservedCores (at least one), matching the spec's reserved_cores tunable: the node
// keeps that many cores free for the consensus hot path (block
// validation, VDF stepping) and offloads everything else here.
func New(size int, reservedCores int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU() - reservedCores
		if size < 1 {
			size = 1
		}
	}
	return &Pool{wp: workerpool.New(size)}
}

// Job is a unit of verification work. It returns an error rather than
// panicking; the pool does not recover worker panics, matching the
// library's own behavior, so callers must not submit jobs that can
// panic on attacker-controlled input without guarding internally.
type Job func(ctx context.Context) error

// Submit queues fn to run on the next free worker and returns
// immediately. Use SubmitWait when the caller needs the result before
// proceeding (e.g. block validation waiting on a signature check).
func (p *Pool) Submit(ctx context.Context, fn Job) {
	p.wp.Submit(func() {
		_ = fn(ctx)
	})
}

// SubmitWait queues fn and blocks until it has run, returning its
// error. This is the shape block and mempool validation use: submit
// the aggregate-signature check and the puzzle evaluations for a
// bundle's spends, then wait for all of them before deciding the
// bundle's validity.
func (p *Pool) SubmitWait(ctx context.Context, fn Job) error {
	var jobErr error
	p.wp.SubmitWait(func() {
		jobErr = fn(ctx)
	})
	return jobErr
}

// VerifyAll runs jobs concurrently across the pool and returns the
// first error encountered, if any. It waits for every job to finish
// even after the first failure, since cancelling in-flight puzzle
// evaluation mid-run risks leaving partial state the caller cannot
// safely observe.
func (p *Pool) VerifyAll(ctx context.Context, jobs []Job) error {
	errs := make(chan error, len(jobs))
	for _, job := range jobs {
		job := job
		p.wp.Submit(func() {
			errs <- job(ctx)
		})
	}

	var first error
	for range jobs {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WaitingQueueSize reports how many jobs are queued behind the running
// workers, useful for load-shedding decisions upstream (e.g. backing
// off gossip relay when verification is saturated).
func (p *Pool) WaitingQueueSize() int {
	return p.wp.WaitingQueueSize()
}

// StopWait lets queued and running jobs finish, then shuts the pool
// down. Call during node shutdown so in-flight verification is not
// abandoned mid-check.
func (p *Pool) StopWait() {
	p.wp.StopWait()
}

// Stop shuts the pool down immediately, discarding queued jobs.
func (p *Pool) Stop() {
	p.wp.Stop()
}
