package worker

import (
	"context"
	"time"

	"bifrost/api/model"
)

const maxOutputBytes = 64 * 1024 // 64KB

// RunOpts is one invocation of a built artifact.
type RunOpts struct {
	RequestID  string
	Definition model.FunctionDefinition
	Artifact   *model.BuildArtifact
	Payload    []byte
	Context    map[string]string
	// Env is added on top of the definition's environment.
	Env      map[string]string
	Deadline time.Time
}

// RunResult is the worker's single structured result. Outcome is one of
// success, handlerError or timeout.
type RunResult struct {
	Outcome  model.Outcome
	Payload  []byte
	Error    *model.ErrorDetail
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner executes an artifact in an isolated worker. A returned error means
// the worker could not be started at all.
type Runner interface {
	Run(ctx context.Context, opts RunOpts) (*RunResult, error)
}

// outputBuffer keeps the first maxOutputBytes of worker output.
type outputBuffer struct {
	buf       []byte
	truncated bool
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	room := maxOutputBytes - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *outputBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n... (output truncated at 64KB)"
	}
	return string(b.buf)
}
