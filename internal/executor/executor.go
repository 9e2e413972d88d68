// Package executor is the opaque thread-pool primitive the tree fans
// parallel work out to: per-run range probes during a scan, and per-level
// compaction tasks during execute_compaction_plan. It is a thin wrapper
// around golang.org/x/sync/errgroup, bounding concurrency to a fixed
// worker count.
package executor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Executor bounds how many submitted tasks run concurrently.
type Executor struct {
	workers int
}

// New creates an executor with the given worker count. A non-positive
// count means unbounded concurrency.
func New(workers int) *Executor {
	return &Executor{workers: workers}
}

// Workers returns the configured width.
func (e *Executor) Workers() int { return e.workers }

// Run submits every task and blocks until all complete or one returns an
// error, in which case the first error is returned and the context passed
// to remaining tasks is canceled. Tasks on independent levels/runs are
// expected to be side-effect-isolated, so cancellation on error is safe.
func (e *Executor) Run(ctx context.Context, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.workers > 0 {
		g.SetLimit(e.workers)
	}
	for _, task := range tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

// RunCollect runs fns concurrently under the executor's worker limit and
// returns their results in submission order. If any fn fails, the first
// error is returned and no results are returned. Used by the per-run range
// probes of a level scan.
func RunCollect[T any](ctx context.Context, e *Executor, fns []func(context.Context) (T, error)) ([]T, error) {
	results := make([]T, len(fns))
	g, gctx := errgroup.WithContext(ctx)
	if e.workers > 0 {
		g.SetLimit(e.workers)
	}
	for i, fn := range fns {
		i, fn := i, fn
		g.Go(func() error {
			r, err := fn(gctx)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
