package journal

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// State is a step of the invocation state machine.
type State string

const (
	StateReceived  State = "received"
	StateResolving State = "resolving"
	StateBuilding  State = "building"
	StateExecuting State = "executing"
	StateResponded State = "responded"
	StateNotFound  State = "notFound"
	StateTimedOut  State = "timedOut"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case StateResponded, StateNotFound, StateTimedOut:
		return true
	}
	return false
}

type Step struct {
	ID         string            `json:"id"`
	RequestID  string            `json:"requestId"`
	FunctionID string            `json:"functionId"`
	Timestamp  time.Time         `json:"timestamp"`
	State      State             `json:"state"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	Append(ctx context.Context, step *Step) error
	ListByRequest(ctx context.Context, requestID string) ([]Step, error)
	ListByFunction(ctx context.Context, functionID string, limit int) ([]Step, error)
	ListRecent(ctx context.Context, limit int) ([]Step, error)
}

// Trail records the transitions of one invocation.
type Trail struct {
	RequestID  string
	FunctionID string
	store      Store
	started    time.Time
	state      State
}

func New(store Store, requestID, functionID string) *Trail {
	return &Trail{
		RequestID:  requestID,
		FunctionID: functionID,
		store:      store,
		started:    time.Now(),
	}
}

// State is the last state entered.
func (t *Trail) State() State {
	return t.state
}

// Enter records a transition into state.
func (t *Trail) Enter(ctx context.Context, state State, message string, metadata map[string]string) error {
	t.state = state
	if t.store == nil {
		return nil
	}
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["elapsedMs"] = strconv.FormatInt(time.Since(t.started).Milliseconds(), 10)
	if message == "" {
		message = string(state)
	}
	return t.store.Append(ctx, &Step{
		ID:         uuid.New().String(),
		RequestID:  t.RequestID,
		FunctionID: t.FunctionID,
		Timestamp:  time.Now(),
		State:      state,
		Message:    message,
		Metadata:   meta,
	})
}

// Fail records state with the error that caused it.
func (t *Trail) Fail(ctx context.Context, state State, err error) error {
	return t.Enter(ctx, state, string(state)+": "+err.Error(), map[string]string{"error": err.Error()})
}
