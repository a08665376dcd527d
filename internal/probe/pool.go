package probe

import (
	"context"
	"sync"
	"time"
)

const DefaultPoolSize = 8

// Pool runs jobs with a fixed cap on concurrency.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Run calls fn(ctx, i) for i in [0, n) with at most the pool size running at
// once, and returns when all started jobs have finished. Jobs still waiting
// for a slot when ctx ends are skipped.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	p.RunSpaced(ctx, n, 0, fn)
}

// RunSpaced is Run with a pause of gap between consecutive dispatches.
func (p *Pool) RunSpaced(ctx context.Context, n int, gap time.Duration, fn func(ctx context.Context, i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && gap > 0 && !sleep(ctx, gap) {
			break
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case p.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-p.sem
				wg.Done()
			}()
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
