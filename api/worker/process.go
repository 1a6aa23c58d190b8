package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"bifrost/api/model"
)

// ProcessRunner starts a fresh host process per invocation.
type ProcessRunner struct {
	shims shimSet
}

// NewProcessRunner returns a runner that installs its runtime shims under
// shimDir, or a temp dir when shimDir is empty.
func NewProcessRunner(shimDir string) *ProcessRunner {
	return &ProcessRunner{shims: shimSet{dir: shimDir}}
}

func (p *ProcessRunner) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	api, err := startRuntimeAPI(opts, "")
	if err != nil {
		return nil, fmt.Errorf("runtime api: %w", err)
	}
	defer api.Close()

	l, err := planLaunch(opts, &p.shims, environment(opts, api.Addr()))
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = envList(l.Env)
	out := &outputBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second
	isolate(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", opts.Definition.ID, err)
	}

	res := supervise(ctx, api, opts.Deadline, func() { killGroup(cmd) }, cmd.Wait)
	res.Duration = time.Since(start)
	res.Output = out.String()

	log := Logger().With(zap.String("function", opts.Definition.ID), zap.String("request", opts.RequestID))
	logOutput(log, res.Output)
	log.Debug("worker: finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("exit", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// supervise waits for the first of: a posted result, the worker exiting, the
// deadline, or ctx. The worker is always dead when it returns.
func supervise(ctx context.Context, api *runtimeAPI, deadline time.Time, kill func(), wait func() error) *RunResult {
	exited := make(chan error, 1)
	go func() { exited <- wait() }()

	var timer <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-api.results:
		kill()
		<-exited
		return res
	case err := <-exited:
		// a result posted just before exit is already buffered
		select {
		case res := <-api.results:
			return res
		default:
		}
		return exitedWithoutResult(err)
	case <-timer:
		kill()
		<-exited
		return timedOut(deadline)
	case <-ctx.Done():
		kill()
		<-exited
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut(deadline)
		}
		return &RunResult{
			Outcome: model.OutcomeTimeout,
			Error:   &model.ErrorDetail{ErrorType: "Runtime.Cancelled", ErrorMessage: "invocation cancelled"},
		}
	}
}

func timedOut(deadline time.Time) *RunResult {
	msg := "task timed out"
	if !deadline.IsZero() {
		msg = fmt.Sprintf("task timed out at %s", deadline.UTC().Format(time.RFC3339Nano))
	}
	return &RunResult{
		Outcome:  model.OutcomeTimeout,
		ExitCode: -1,
		Error:    &model.ErrorDetail{ErrorType: "Runtime.Timeout", ErrorMessage: msg},
	}
}

func exitedWithoutResult(err error) *RunResult {
	res := &RunResult{Outcome: model.OutcomeHandlerError}
	msg := errNoResult.Error()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		msg = fmt.Sprintf("%s (exit status %d)", msg, res.ExitCode)
	} else if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	res.Error = &model.ErrorDetail{ErrorType: "Runtime.ExitError", ErrorMessage: msg}
	return res
}
