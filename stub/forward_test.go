package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bifrost/api/bridge"
	"bifrost/api/model"
)

type fakeSender struct {
	res  *model.InvocationResult
	err  error
	wait bool
	last *model.InvocationRequest
}

func (s *fakeSender) Send(ctx context.Context, req *model.InvocationRequest) (*model.InvocationResult, error) {
	s.last = req
	if s.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.res, s.err
}

func newForwarder(s sender) *forwarder {
	return &forwarder{functionID: "fn-a", client: s, log: zap.NewNop()}
}

func invokeContext(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	ctx = lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
		AwsRequestID:       "aws-req-1",
		InvokedFunctionArn: "arn:aws:lambda:eu-west-1:123456789012:function:fn-a",
	})
	return context.WithValue(ctx, "x-amzn-trace-id", "Root=1-abc")
}

func TestForwardSuccess(t *testing.T) {
	s := &fakeSender{res: &model.InvocationResult{Outcome: model.OutcomeSuccess, Payload: json.RawMessage(`{"ok":true}`)}}
	f := newForwarder(s)

	out, err := f.Handle(invokeContext(t, time.Second), json.RawMessage(`{"in":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	req := s.last
	require.NotNil(t, req)
	assert.Equal(t, "aws-req-1", req.ID)
	assert.Equal(t, "fn-a", req.FunctionID)
	assert.JSONEq(t, `{"in":1}`, string(req.Payload))
	assert.Equal(t, "Root=1-abc", req.Context["traceId"])
	assert.Contains(t, req.Context["invokedFunctionArn"], "function:fn-a")
	assert.False(t, req.Deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Second), req.Deadline, 200*time.Millisecond)
}

func TestForwardEmptySuccessPayload(t *testing.T) {
	f := newForwarder(&fakeSender{res: &model.InvocationResult{Outcome: model.OutcomeSuccess}})
	out, err := f.Handle(invokeContext(t, time.Second), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestForwardGeneratesIDWithoutPlatformContext(t *testing.T) {
	s := &fakeSender{res: &model.InvocationResult{Outcome: model.OutcomeSuccess}}
	f := newForwarder(s)

	_, err := f.Handle(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Len(t, s.last.ID, 36)
	assert.True(t, s.last.Deadline.IsZero())
}

func TestForwardFailureOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		result   *model.InvocationResult
		wantType string
		wantMsg  string
	}{
		{
			name: "handler error keeps type and message",
			result: &model.InvocationResult{
				Outcome: model.OutcomeHandlerError,
				Error:   &model.ErrorDetail{ErrorType: "TypeError", ErrorMessage: "x is undefined", StackTrace: []string{"at h (index.js:3)"}},
			},
			wantType: "TypeError",
			wantMsg:  "x is undefined",
		},
		{
			name:     "build error",
			result:   model.Failure("r", model.OutcomeBuildError, "Bifrost.BuildError", "SyntaxError: unexpected token"),
			wantType: "Bifrost.BuildError",
			wantMsg:  "SyntaxError: unexpected token",
		},
		{
			name:     "not found",
			result:   model.Failure("r", model.OutcomeNotFound, "", "function fn-a is not registered"),
			wantType: "Bifrost.notFound",
			wantMsg:  "function fn-a is not registered",
		},
		{
			name:     "transport error without detail",
			result:   &model.InvocationResult{Outcome: model.OutcomeTransportError},
			wantType: "Bifrost.transportError",
			wantMsg:  "transportError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newForwarder(&fakeSender{res: tt.result})
			out, err := f.Handle(invokeContext(t, time.Second), json.RawMessage(`{}`))
			assert.Nil(t, out)

			var ie messages.InvokeResponse_Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.wantType, ie.Type)
			assert.Equal(t, tt.wantMsg, ie.Message)
			if tt.result.Error != nil {
				assert.Len(t, ie.StackTrace, len(tt.result.Error.StackTrace))
			}
		})
	}
}

func TestForwardSendErrorIsTransportError(t *testing.T) {
	f := newForwarder(&fakeSender{err: bridge.ErrNotConnected})
	_, err := f.Handle(invokeContext(t, time.Second), json.RawMessage(`{}`))

	var ie messages.InvokeResponse_Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "Bifrost.TransportError", ie.Type)
	assert.Contains(t, ie.Message, bridge.ErrNotConnected.Error())
}

func TestForwardTimeoutWaitsForDeadline(t *testing.T) {
	f := newForwarder(&fakeSender{res: model.Failure("r", model.OutcomeTimeout, "Runtime.Timeout", "timed out")})

	start := time.Now()
	_, err := f.Handle(invokeContext(t, 150*time.Millisecond), json.RawMessage(`{}`))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	var ie messages.InvokeResponse_Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "Runtime.Timeout", ie.Type)
}

func TestForwardDeadlineWhileWaiting(t *testing.T) {
	f := newForwarder(&fakeSender{wait: true})
	_, err := f.Handle(invokeContext(t, 50*time.Millisecond), json.RawMessage(`{}`))

	var ie messages.InvokeResponse_Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "Runtime.Timeout", ie.Type)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
