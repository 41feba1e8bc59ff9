package snapshot

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// TaskExecutor bounds how many of a snapshot task's sub-tasks (metadata
// blobs, cache configs, per-partition sends) run at once (§5's "snapshot
// executor pool"), realized as an errgroup.Group gated by a weighted
// semaphore rather than an unbounded goroutine-per-partition fan-out.
type TaskExecutor struct {
	group *errgroup.Group
	ctx   context.Context
	sem   *semaphore.Weighted
}

// NewTaskExecutor builds a TaskExecutor that runs at most concurrency
// submitted functions at once. The first error from any submitted function
// cancels ctx for the rest (errgroup.WithContext semantics); the snapshot
// task still wants to know about every failure, so it reads firstErr itself
// via snaperr.FirstError rather than relying solely on Wait's return value.
func NewTaskExecutor(ctx context.Context, concurrency int) *TaskExecutor {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	return &TaskExecutor{
		group: g,
		ctx:   gctx,
		sem:   semaphore.NewWeighted(int64(concurrency)),
	}
}

// Submit schedules fn to run once a concurrency slot is free.
func (e *TaskExecutor) Submit(fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return err
		}
		defer e.sem.Release(1)
		return fn(e.ctx)
	})
}

// Wait blocks until every submitted function has returned, yielding the
// first non-nil error (if any).
func (e *TaskExecutor) Wait() error {
	return e.group.Wait()
}
