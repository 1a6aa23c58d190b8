package journal

import (
	"context"
	"sort"
	"sync"
)

// DefaultRetain is how many invocations the memory store keeps.
const DefaultRetain = 500

// MemoryStore keeps the journals of the most recent invocations.
type MemoryStore struct {
	mu     sync.RWMutex
	retain int
	steps  map[string][]Step
	order  []string
}

func NewMemoryStore(retain int) *MemoryStore {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &MemoryStore{retain: retain, steps: make(map[string][]Step)}
}

func (m *MemoryStore) Append(ctx context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[step.RequestID]; !ok {
		m.order = append(m.order, step.RequestID)
		for len(m.order) > m.retain {
			delete(m.steps, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.steps[step.RequestID] = append(m.steps[step.RequestID], *step)
	return nil
}

func (m *MemoryStore) ListByRequest(ctx context.Context, requestID string) ([]Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Step(nil), m.steps[requestID]...), nil
}

func (m *MemoryStore) ListByFunction(ctx context.Context, functionID string, limit int) ([]Step, error) {
	return m.list(limit, func(s Step) bool { return s.FunctionID == functionID }), nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit int) ([]Step, error) {
	return m.list(limit, func(Step) bool { return true }), nil
}

// list returns matching steps newest first.
func (m *MemoryStore) list(limit int, match func(Step) bool) []Step {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	var out []Step
	for _, steps := range m.steps {
		for _, s := range steps {
			if match(s) {
				out = append(out, s)
			}
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
