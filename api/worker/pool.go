package worker

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent workers per function id. Invocations
// over the limit wait for a slot until their deadline.
type Pool struct {
	runner Runner
	size   int64

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func NewPool(runner Runner, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{runner: runner, size: int64(size), slots: make(map[string]*semaphore.Weighted)}
}

func (p *Pool) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	sem := p.slot(opts.Definition.ID)
	waitCtx := ctx
	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}
	if err := sem.Acquire(waitCtx, 1); err != nil {
		res := timedOut(opts.Deadline)
		res.Error.ErrorMessage = "no worker slot before deadline: " + res.Error.ErrorMessage
		return res, nil
	}
	defer sem.Release(1)
	return p.runner.Run(ctx, opts)
}

func (p *Pool) slot(functionID string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.slots[functionID]
	if !ok {
		sem = semaphore.NewWeighted(p.size)
		p.slots[functionID] = sem
	}
	return sem
}

// Size is the per-function worker limit.
func (p *Pool) Size() int { return int(p.size) }

var _ Runner = (*Pool)(nil)
var _ Runner = (*ProcessRunner)(nil)
var _ Runner = (*DockerRunner)(nil)
