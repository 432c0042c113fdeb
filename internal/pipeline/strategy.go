package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Strategy dispatches n independent tasks. Implementations check ctx before
// each dispatch and stop starting tasks once it is done; tasks already started
// always run to completion. Run returns when every started task has returned.
type Strategy interface {
	Run(ctx context.Context, n int, task func(i int))
}

// Sequential runs tasks one at a time in index order.
type Sequential struct{}

func (Sequential) Run(ctx context.Context, n int, task func(i int)) {
	for i := range n {
		if ctx.Err() != nil {
			return
		}
		task(i)
	}
}

// Parallel runs up to Limit tasks at once on a bounded pool.
type Parallel struct {
	Limit int
}

func (p Parallel) Run(ctx context.Context, n int, task func(i int)) {
	var g errgroup.Group
	if p.Limit > 0 {
		g.SetLimit(p.Limit)
	}
	for i := range n {
		if ctx.Err() != nil {
			break
		}
		// Go blocks while the pool is full, so re-check before starting.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			task(i)
			return nil
		})
	}
	_ = g.Wait()
}
