package main

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bifrost/api/model"
)

type sender interface {
	Send(ctx context.Context, req *model.InvocationRequest) (*model.InvocationResult, error)
}

// forwarder relays every platform invocation of one deployed function to the
// developer machine. It never looks inside the payload.
type forwarder struct {
	functionID string
	client     sender
	log        *zap.Logger
}

func (f *forwarder) Handle(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
	req := f.request(ctx, event)
	log := f.log.With(zap.String("requestId", req.ID), zap.String("function", f.functionID))

	res, err := f.client.Send(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("deadline reached while waiting for local result")
			return nil, platformError(model.OutcomeTimeout, &model.ErrorDetail{
				ErrorType:    "Runtime.Timeout",
				ErrorMessage: "no local result before the invocation deadline",
			})
		}
		log.Error("forward", zap.Error(err))
		return nil, platformError(model.OutcomeTransportError, &model.ErrorDetail{
			ErrorType:    "Bifrost.TransportError",
			ErrorMessage: err.Error(),
		})
	}

	log.Info("result",
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration))

	switch res.Outcome {
	case model.OutcomeSuccess:
		if len(res.Payload) == 0 {
			return json.RawMessage("null"), nil
		}
		return res.Payload, nil
	case model.OutcomeTimeout:
		// The platform reports its own timeout once the deadline passes.
		<-ctx.Done()
		return nil, platformError(res.Outcome, res.Error)
	default:
		return nil, platformError(res.Outcome, res.Error)
	}
}

func (f *forwarder) request(ctx context.Context, event json.RawMessage) *model.InvocationRequest {
	req := &model.InvocationRequest{
		FunctionID: f.functionID,
		Payload:    event,
		Context:    platformContext(ctx),
		ArrivedAt:  time.Now(),
	}
	if d, ok := ctx.Deadline(); ok {
		req.Deadline = d
	}
	if id := req.Context["awsRequestId"]; id != "" {
		req.ID = id
	} else {
		req.ID = uuid.NewString()
	}
	return req
}

// platformContext flattens the invocation context the platform hands the
// stub so the local worker can present the same values to the handler.
func platformContext(ctx context.Context) map[string]string {
	out := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		set("awsRequestId", lc.AwsRequestID)
		set("invokedFunctionArn", lc.InvokedFunctionArn)
		set("cognitoIdentityId", lc.Identity.CognitoIdentityID)
		set("cognitoIdentityPoolId", lc.Identity.CognitoIdentityPoolID)
		if lc.ClientContext.Client.InstallationID != "" || len(lc.ClientContext.Custom) > 0 {
			if b, err := json.Marshal(lc.ClientContext); err == nil {
				out["clientContext"] = string(b)
			}
		}
	}
	if trace, ok := ctx.Value("x-amzn-trace-id").(string); ok {
		set("traceId", trace)
	}
	set("functionName", lambdacontext.FunctionName)
	set("functionVersion", lambdacontext.FunctionVersion)
	set("logGroupName", lambdacontext.LogGroupName)
	set("logStreamName", lambdacontext.LogStreamName)
	if lambdacontext.MemoryLimitInMB > 0 {
		out["memoryLimitInMB"] = strconv.Itoa(lambdacontext.MemoryLimitInMB)
	}
	return out
}

// platformError is returned from the handler so the runtime reports the
// local error type and message verbatim instead of the Go type name.
func platformError(outcome model.Outcome, detail *model.ErrorDetail) error {
	if detail == nil {
		detail = &model.ErrorDetail{ErrorMessage: string(outcome)}
	}
	e := messages.InvokeResponse_Error{
		Type:    detail.ErrorType,
		Message: detail.ErrorMessage,
	}
	if e.Type == "" {
		e.Type = "Bifrost." + string(outcome)
	}
	for _, line := range detail.StackTrace {
		e.StackTrace = append(e.StackTrace, &messages.InvokeResponse_Error_StackFrame{Label: line})
	}
	return e
}

var errNoFunctionID = errors.New("BIFROST_FUNCTION_ID is not set")
