package request

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// WaitGroup starts each Sendable immediately in its own goroutine.
// A failure does not stop the others, Wait returns errors of all failed units.
type WaitGroup struct {
	ctx  context.Context
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	lock sync.Mutex
	errs *multierror.Error
}

// NewWaitGroup creates a WaitGroup running at most limit units at once.
// The limit <= 0 means no limit.
func NewWaitGroup(ctx context.Context, limit int64) *WaitGroup {
	return &WaitGroup{ctx: ctx, sem: newSemaphore(limit)}
}

// Go starts the unit. It is safe to call Go from another unit of the same group.
func (g *WaitGroup) Go(task Sendable) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := run(g.ctx, g.sem, task); err != nil {
			g.lock.Lock()
			g.errs = multierror.Append(g.errs, err)
			g.lock.Unlock()
		}
	}()
}

// Wait blocks until all units are done.
// A single error is returned unwrapped, more errors as a *multierror.Error.
func (g *WaitGroup) Wait() error {
	g.wg.Wait()
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.errs != nil && len(g.errs.Errors) == 1 {
		return g.errs.Errors[0]
	}
	return g.errs.ErrorOrNil()
}

// RunGroup collects units by Add and runs them by Run.
// The first failure cancels the context of all other units, Run returns that failure.
// Units waiting for the semaphore at that moment are not started at all.
type RunGroup struct {
	ctx   context.Context
	sem   *semaphore.Weighted
	tasks []Sendable
}

// NewRunGroup creates a RunGroup running at most limit units at once.
// The limit <= 0 means no limit.
func NewRunGroup(ctx context.Context, limit int64) *RunGroup {
	return &RunGroup{ctx: ctx, sem: newSemaphore(limit)}
}

// Add schedules the unit. It must not be called concurrently with Run.
func (g *RunGroup) Add(task Sendable) {
	g.tasks = append(g.tasks, task)
}

// Run starts all scheduled units and waits until every started one has returned.
func (g *RunGroup) Run() error {
	grp, ctx := errgroup.WithContext(g.ctx)
	for _, task := range g.tasks {
		grp.Go(func() error {
			return run(ctx, g.sem, task)
		})
	}
	return grp.Wait()
}

func newSemaphore(limit int64) *semaphore.Weighted {
	if limit <= 0 {
		return nil
	}
	return semaphore.NewWeighted(limit)
}

func run(ctx context.Context, sem *semaphore.Weighted, task Sendable) error {
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
	}
	return task.SendOrErr(ctx)
}
