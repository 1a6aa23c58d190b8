package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bifrost/api/hub"
)

const ServiceHealth = "service.health"

type Pinger interface {
	Ping(ctx context.Context) error
}

// Pruner removes history older than a cutoff.
type Pruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// Poller periodically pings backing services and announces every up/down
// transition to consoles. With a Pruner set it also trims old history.
type Poller struct {
	Services  map[string]Pinger
	WS        *hub.Hub
	Interval  time.Duration
	Timeout   time.Duration
	Pruner    Pruner
	Retention time.Duration
	Log       *zap.Logger

	mu   sync.Mutex
	last map[string]bool
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.Interval == 0 {
		p.Interval = 30 * time.Second
	}
	if p.Timeout == 0 {
		p.Timeout = 5 * time.Second
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(1 * time.Hour)
	defer pruneTicker.Stop()

	p.PollAll(ctx)
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollAll(ctx)
		case <-pruneTicker.C:
			p.prune(ctx)
		}
	}
}

// PollAll pings every service once and returns the names whose state
// changed since the previous poll.
func (p *Poller) PollAll(ctx context.Context) []string {
	names := make([]string, 0, len(p.Services))
	for name := range p.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, p.timeout())
			defer cancel()
			results[i] = p.Services[name].Ping(cctx)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		p.last = make(map[string]bool)
	}

	var changed []string
	for i, name := range names {
		up := results[i] == nil
		prev, seen := p.last[name]
		p.last[name] = up
		if seen && prev == up {
			continue
		}
		changed = append(changed, name)

		payload := map[string]interface{}{"service": name, "up": up}
		if !up {
			payload["error"] = results[i].Error()
			p.logger().Warn("health: service down", zap.String("service", name), zap.Error(results[i]))
		} else if seen {
			p.logger().Info("health: service recovered", zap.String("service", name))
		}
		p.WS.Broadcast(hub.Event{Type: ServiceHealth, Payload: payload})
	}
	return changed
}

func (p *Poller) prune(ctx context.Context) {
	if p.Pruner == nil || p.Retention <= 0 {
		return
	}
	n, err := p.Pruner.PruneHistory(ctx, time.Now().Add(-p.Retention))
	if err != nil {
		p.logger().Warn("health: prune history", zap.Error(err))
	} else if n > 0 {
		p.logger().Info("health: pruned old invocations", zap.Int64("count", n))
	}
}

func (p *Poller) timeout() time.Duration {
	if p.Timeout == 0 {
		return 5 * time.Second
	}
	return p.Timeout
}

func (p *Poller) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}
