package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bifrost/api/build"
	"bifrost/api/hub"
	"bifrost/api/journal"
	"bifrost/api/metrics"
	"bifrost/api/model"
	"bifrost/api/worker"
)

// respondTimeout bounds writing a result back once the invocation is done.
const respondTimeout = 10 * time.Second

// Source delivers forwarded requests and takes their results.
type Source interface {
	Receive(ctx context.Context) (*model.InvocationRequest, error)
	Respond(ctx context.Context, requestID string, res *model.InvocationResult) error
}

type Resolver interface {
	Lookup(id string) (model.FunctionDefinition, error)
}

type Builds interface {
	Ensure(ctx context.Context, def model.FunctionDefinition) (build.Result, error)
}

// History persists invocation summaries.
type History interface {
	InsertInvocation(ctx context.Context, rec *model.InvocationRecord) error
	FinishInvocation(ctx context.Context, rec *model.InvocationRecord) error
}

type Options struct {
	Registry Resolver
	Builds   Builds
	Runner   worker.Runner
	Journal  journal.Store
	Hub      *hub.Hub
	History  History
	// Env is added to every worker's environment.
	Env map[string]string
}

// Dispatcher executes forwarded invocations against locally built code.
type Dispatcher struct {
	opts Options
	wg   sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{opts: opts}
}

// Run handles requests from src, each on its own goroutine, until ctx ends
// or src closes. It waits for in-flight invocations before returning.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	defer d.wg.Wait()
	for {
		req, err := src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			res := d.Handle(ctx, req)
			rctx, cancel := context.WithTimeout(context.Background(), respondTimeout)
			defer cancel()
			if err := src.Respond(rctx, req.ID, res); err != nil {
				Logger().Warn("dispatch: respond failed",
					zap.String("request", req.ID),
					zap.String("function", req.FunctionID),
					zap.Error(err))
			}
		}()
	}
}

// invocation carries one request through the state machine.
type invocation struct {
	d       *Dispatcher
	req     *model.InvocationRequest
	trail   *journal.Trail
	log     *zap.Logger
	started time.Time
	rebuilt bool
}

func (inv *invocation) enter(ctx context.Context, state journal.State, msg string, meta map[string]string) {
	if err := inv.trail.Enter(context.WithoutCancel(ctx), state, msg, meta); err != nil {
		inv.log.Warn("dispatch: journal append failed", zap.Error(err))
	}
	inv.d.opts.Hub.Broadcast(hub.Event{
		Type:       hub.InvocationStep,
		FunctionID: inv.req.FunctionID,
		Payload:    map[string]string{"requestId": inv.req.ID, "state": string(state), "message": msg},
	})
}

// Handle runs one invocation to its single result:
// received → resolving → [building] → executing → responded, or notFound,
// or timedOut once the request deadline passes.
func (d *Dispatcher) Handle(ctx context.Context, req *model.InvocationRequest) *model.InvocationResult {
	inv := &invocation{
		d:       d,
		req:     req,
		trail:   journal.New(d.opts.Journal, req.ID, req.FunctionID),
		log:     Logger().With(zap.String("request", req.ID), zap.String("function", req.FunctionID)),
		started: time.Now(),
	}
	metrics.InvocationStarted()
	d.opts.Hub.Broadcast(hub.Event{Type: hub.InvocationReceived, FunctionID: req.FunctionID, Payload: map[string]string{"requestId": req.ID}})
	inv.enter(ctx, journal.StateReceived, "", nil)
	d.recordStart(ctx, inv)

	res := d.execute(ctx, inv)
	res.RequestID = req.ID
	res.Duration = time.Since(inv.started)
	d.finish(ctx, inv, res)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, inv *invocation) *model.InvocationResult {
	req := inv.req
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	inv.enter(ctx, journal.StateResolving, "", nil)
	def, err := d.opts.Registry.Lookup(req.FunctionID)
	if err != nil {
		inv.enter(ctx, journal.StateNotFound, err.Error(), nil)
		return model.Failure(req.ID, model.OutcomeNotFound, "Bifrost.FunctionNotFound",
			fmt.Sprintf("function %q is not registered", req.FunctionID))
	}

	built, err := d.opts.Builds.Ensure(ctx, def)
	if built.Built {
		inv.rebuilt = true
		inv.enter(ctx, journal.StateBuilding, "artifact built", map[string]string{"fingerprint": built.Fingerprint})
	}
	if err != nil {
		if ctx.Err() != nil {
			return inv.timedOut(ctx, "deadline passed while waiting for build")
		}
		var be *build.BuildError
		diag := err.Error()
		if errors.As(err, &be) {
			diag = be.Diagnostic
		}
		inv.enter(ctx, journal.StateResponded, "build failed", map[string]string{"outcome": string(model.OutcomeBuildError)})
		return model.Failure(req.ID, model.OutcomeBuildError, "Bifrost.BuildError", diag)
	}
	if ctx.Err() != nil {
		return inv.timedOut(ctx, "deadline passed before execution")
	}

	inv.enter(ctx, journal.StateExecuting, "", map[string]string{"fingerprint": built.Fingerprint})
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(def.Timeout.Duration)
	}
	out, err := d.opts.Runner.Run(ctx, worker.RunOpts{
		RequestID:  req.ID,
		Definition: def,
		Artifact:   built.Artifact,
		Payload:    req.Payload,
		Context:    req.Context,
		Env:        d.opts.Env,
		Deadline:   deadline,
	})
	if err != nil {
		inv.enter(ctx, journal.StateResponded, "worker failed to start", map[string]string{"error": err.Error()})
		return model.Failure(req.ID, model.OutcomeHandlerError, "Runtime.StartError", err.Error())
	}
	if out.Outcome == model.OutcomeTimeout {
		msg := "worker exceeded deadline"
		if out.Error != nil {
			msg = out.Error.ErrorMessage
		}
		return inv.timedOut(ctx, msg)
	}

	inv.enter(ctx, journal.StateResponded, "", map[string]string{"outcome": string(out.Outcome)})
	return &model.InvocationResult{Outcome: out.Outcome, Payload: out.Payload, Error: out.Error}
}

func (inv *invocation) timedOut(ctx context.Context, msg string) *model.InvocationResult {
	inv.enter(ctx, journal.StateTimedOut, msg, nil)
	return model.Failure(inv.req.ID, model.OutcomeTimeout, "Runtime.Timeout", msg)
}

func (d *Dispatcher) recordStart(ctx context.Context, inv *invocation) {
	if d.opts.History == nil {
		return
	}
	rec := &model.InvocationRecord{RequestID: inv.req.ID, FunctionID: inv.req.FunctionID, StartedAt: inv.started}
	if err := d.opts.History.InsertInvocation(context.WithoutCancel(ctx), rec); err != nil {
		inv.log.Warn("dispatch: history insert failed", zap.Error(err))
	}
}

func (d *Dispatcher) finish(ctx context.Context, inv *invocation, res *model.InvocationResult) {
	metrics.InvocationFinished(inv.req.FunctionID, string(res.Outcome), res.Duration)

	fields := []zap.Field{zap.String("outcome", string(res.Outcome)), zap.Duration("duration", res.Duration)}
	if res.Error != nil {
		fields = append(fields, zap.String("error", res.Error.Error()))
	}
	if res.Outcome.Failed() {
		inv.log.Warn("dispatch: invocation failed", fields...)
	} else {
		inv.log.Info("dispatch: invocation completed", fields...)
	}

	d.opts.Hub.Broadcast(hub.Event{Type: hub.InvocationCompleted, FunctionID: inv.req.FunctionID, Payload: map[string]interface{}{
		"requestId":  inv.req.ID,
		"outcome":    res.Outcome,
		"error":      res.Error,
		"rebuilt":    inv.rebuilt,
		"durationMs": res.Duration.Milliseconds(),
	}})

	if d.opts.History == nil {
		return
	}
	now := time.Now()
	rec := &model.InvocationRecord{
		RequestID:  inv.req.ID,
		FunctionID: inv.req.FunctionID,
		Outcome:    res.Outcome,
		Rebuilt:    inv.rebuilt,
		DurationMs: res.Duration.Milliseconds(),
		StartedAt:  inv.started,
		FinishedAt: &now,
	}
	if res.Error != nil {
		rec.Error = res.Error.Error()
	}
	if err := d.opts.History.FinishInvocation(context.WithoutCancel(ctx), rec); err != nil {
		inv.log.Warn("dispatch: history update failed", zap.Error(err))
	}
}
