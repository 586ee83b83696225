// Package worker bounds the CPU-heavy portions of the request pipeline
// (session JSON decode, HMAC verification) so a burst of expensive requests
// degrades into queueing latency instead of unbounded goroutine pressure.
package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool is a semaphore-bounded execution slot pool. Run executes fn on the
// calling goroutine once a slot is free; acquisition is context-aware, so a
// cancelled request stops waiting immediately.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool with the given number of slots. size <= 0 derives
// the slot count from the CPU count with a small multiplier.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) * 2
		if size < 4 {
			size = 4
		}
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Run waits for a slot and executes fn. Returns the context error if the
// request is cancelled before a slot frees up.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
