package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost/api/model"
)

type gaugeRunner struct {
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (g *gaugeRunner) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	g.calls.Add(1)
	n := g.current.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(g.delay)
	g.current.Add(-1)
	return &RunResult{Outcome: model.OutcomeSuccess, Payload: opts.Payload}, nil
}

func poolOpts(id string, deadline time.Duration) RunOpts {
	return RunOpts{
		RequestID:  id,
		Definition: model.FunctionDefinition{ID: "fn"},
		Deadline:   time.Now().Add(deadline),
	}
}

func TestPoolBoundsPerFunction(t *testing.T) {
	inner := &gaugeRunner{delay: 50 * time.Millisecond}
	pool := NewPool(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := pool.Run(context.Background(), poolOpts("r", 5*time.Second))
			assert.NoError(t, err)
			assert.Equal(t, model.OutcomeSuccess, res.Outcome)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 6, inner.calls.Load())
	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
}

func TestPoolFunctionsAreIndependent(t *testing.T) {
	inner := &gaugeRunner{delay: 100 * time.Millisecond}
	pool := NewPool(inner, 1)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		opts := poolOpts("r-"+id, 5*time.Second)
		opts.Definition.ID = id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Run(context.Background(), opts)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 2, inner.peak.Load())
}

func TestPoolWaitsUntilDeadline(t *testing.T) {
	inner := &gaugeRunner{delay: 500 * time.Millisecond}
	pool := NewPool(inner, 1)

	started := make(chan struct{})
	go func() {
		close(started)
		pool.Run(context.Background(), poolOpts("holder", 5*time.Second))
	}()
	<-started
	require.Eventually(t, func() bool { return inner.current.Load() == 1 }, time.Second, 5*time.Millisecond)

	res, err := pool.Run(context.Background(), poolOpts("waiter", 50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTimeout, res.Outcome)
	assert.Contains(t, res.Error.ErrorMessage, "no worker slot")
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestNewPoolMinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewPool(&gaugeRunner{}, 0).Size())
}
