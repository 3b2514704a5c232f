package agent

import (
	"context"

	"github.com/pkg/errors"
)

// Pool bounds how many agent executions run at once, realizing
// max_concurrent_agents as a buffered-channel semaphore: a small
// mutex-free structure with one job, injected at construction rather than
// reconfigured at runtime.
type Pool struct {
	tokens chan struct{}
}

// NewPool builds a Pool that admits at most maxConcurrent simultaneous
// Run calls.
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{tokens: make(chan struct{}, maxConcurrent)}
}

// Run blocks until a slot is free (or ctx is cancelled), then executes fn
// holding that slot. Cancellation while waiting returns ctx.Err() without
// running fn.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) (Result, error)) (Result, error) {
	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return Result{}, errors.Wrap(ctx.Err(), "pool: context cancelled while waiting for a slot")
	}
	defer func() { <-p.tokens }()

	return fn(ctx)
}

// InUse reports how many slots are currently occupied, for health/metrics
// reporting.
func (p *Pool) InUse() int {
	return len(p.tokens)
}

// Capacity reports the pool's configured ceiling.
func (p *Pool) Capacity() int {
	return cap(p.tokens)
}
