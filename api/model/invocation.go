package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeHandlerError   Outcome = "handlerError"
	OutcomeBuildError     Outcome = "buildError"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transportError"
	OutcomeNotFound       Outcome = "notFound"
)

// Failed reports whether the outcome is anything but success.
func (o Outcome) Failed() bool {
	return o != OutcomeSuccess
}

// InvocationRequest is one forwarded platform invocation. It lives only for
// the duration of the call and is never persisted.
type InvocationRequest struct {
	ID         string            `json:"id"`
	FunctionID string            `json:"functionId"`
	Payload    json.RawMessage   `json:"payload"`
	Context    map[string]string `json:"context,omitempty"`
	ArrivedAt  time.Time         `json:"arrivedAt"`
	Deadline   time.Time         `json:"deadline"`
}

// Remaining returns the time left until the request's deadline.
func (r *InvocationRequest) Remaining() time.Duration {
	if r.Deadline.IsZero() {
		return 0
	}
	return time.Until(r.Deadline)
}

// ErrorDetail mirrors the error object the platform shows for a failed
// invocation.
type ErrorDetail struct {
	ErrorType    string   `json:"errorType,omitempty"`
	ErrorMessage string   `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.ErrorType == "" {
		return e.ErrorMessage
	}
	return fmt.Sprintf("%s: %s", e.ErrorType, e.ErrorMessage)
}

type InvocationResult struct {
	RequestID string          `json:"requestId"`
	Outcome   Outcome         `json:"outcome"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Failure builds a result for a non-success outcome.
func Failure(requestID string, outcome Outcome, errType, msg string) *InvocationResult {
	return &InvocationResult{
		RequestID: requestID,
		Outcome:   outcome,
		Error:     &ErrorDetail{ErrorType: errType, ErrorMessage: msg},
	}
}

// InvocationRecord is the persisted summary of an invocation. Payloads are
// never stored.
type InvocationRecord struct {
	RequestID  string     `json:"requestId"`
	FunctionID string     `json:"functionId"`
	Outcome    Outcome    `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	Rebuilt    bool       `json:"rebuilt"`
	DurationMs int64      `json:"durationMs"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
