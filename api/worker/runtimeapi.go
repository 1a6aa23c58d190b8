package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bifrost/api/model"
)

const runtimeAPIPrefix = "/2018-06-01/runtime"

// runtimeAPI serves the platform's runtime interface to a single worker for
// a single invocation. The worker polls /invocation/next, receives the
// event, and posts exactly one response or error.
type runtimeAPI struct {
	opts     RunOpts
	listener net.Listener
	server   *http.Server

	once    sync.Once
	results chan *RunResult
	served  chan struct{}
	done    chan struct{}
}

func startRuntimeAPI(opts RunOpts, addr string) (*runtimeAPI, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	api := &runtimeAPI{
		opts:     opts,
		listener: ln,
		results:  make(chan *RunResult, 1),
		served:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get(runtimeAPIPrefix+"/invocation/next", api.next)
	r.Post(runtimeAPIPrefix+"/invocation/{requestId}/response", api.response)
	r.Post(runtimeAPIPrefix+"/invocation/{requestId}/error", api.invocationError)
	r.Post(runtimeAPIPrefix+"/init/error", api.initError)

	api.server = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go api.server.Serve(ln)
	return api, nil
}

// Addr is the host:port value for AWS_LAMBDA_RUNTIME_API.
func (a *runtimeAPI) Addr() string {
	return a.listener.Addr().String()
}

func (a *runtimeAPI) Close() {
	close(a.done)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.server.Shutdown(ctx)
}

func (a *runtimeAPI) next(w http.ResponseWriter, r *http.Request) {
	select {
	case a.served <- struct{}{}:
	default:
		// the single event was already handed out; park the poller until
		// the worker is torn down
		select {
		case <-a.done:
		case <-r.Context().Done():
		}
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Lambda-Runtime-Aws-Request-Id", a.opts.RequestID)
	h.Set("Lambda-Runtime-Deadline-Ms", strconv.FormatInt(a.opts.Deadline.UnixMilli(), 10))
	if arn := a.opts.Context["invokedFunctionArn"]; arn != "" {
		h.Set("Lambda-Runtime-Invoked-Function-Arn", arn)
	} else {
		h.Set("Lambda-Runtime-Invoked-Function-Arn", "arn:aws:lambda:local:000000000000:function:"+a.opts.Definition.ID)
	}
	if trace := a.opts.Context["traceId"]; trace != "" {
		h.Set("Lambda-Runtime-Trace-Id", trace)
	}
	w.WriteHeader(http.StatusOK)

	payload := a.opts.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	w.Write(payload)
}

func (a *runtimeAPI) deliver(w http.ResponseWriter, r *http.Request, res *RunResult) {
	if id := chi.URLParam(r, "requestId"); id != "" && id != a.opts.RequestID {
		http.Error(w, `{"errorMessage":"unknown request id","errorType":"InvalidRequestID"}`, http.StatusBadRequest)
		return
	}
	delivered := false
	a.once.Do(func() {
		a.results <- res
		delivered = true
	})
	if !delivered {
		http.Error(w, `{"errorMessage":"response already sent","errorType":"InvalidStateTransition"}`, http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"OK"}`))
}

func (a *runtimeAPI) response(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.deliver(w, r, &RunResult{Outcome: model.OutcomeSuccess, Payload: body})
}

func (a *runtimeAPI) invocationError(w http.ResponseWriter, r *http.Request) {
	a.deliver(w, r, &RunResult{Outcome: model.OutcomeHandlerError, Error: readErrorBody(r, "Handled")})
}

func (a *runtimeAPI) initError(w http.ResponseWriter, r *http.Request) {
	detail := readErrorBody(r, "Runtime.InitError")
	a.deliver(w, r, &RunResult{Outcome: model.OutcomeHandlerError, Error: detail})
}

func readErrorBody(r *http.Request, fallbackType string) *model.ErrorDetail {
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxOutputBytes))
	var raw struct {
		ErrorMessage string          `json:"errorMessage"`
		ErrorType    string          `json:"errorType"`
		StackTrace   json.RawMessage `json:"stackTrace"`
	}
	detail := &model.ErrorDetail{}
	if err := json.Unmarshal(body, &raw); err != nil || raw.ErrorMessage == "" {
		detail.ErrorMessage = string(body)
	} else {
		detail.ErrorMessage = raw.ErrorMessage
		detail.ErrorType = raw.ErrorType
		detail.StackTrace = stackLines(raw.StackTrace)
	}
	if detail.ErrorType == "" {
		detail.ErrorType = r.Header.Get("Lambda-Runtime-Function-Error-Type")
	}
	if detail.ErrorType == "" {
		detail.ErrorType = fallbackType
	}
	return detail
}

// stackLines accepts both string frames (node, python) and the structured
// frames the Go runtime client sends.
func stackLines(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var lines []string
	if json.Unmarshal(raw, &lines) == nil {
		return lines
	}
	var frames []struct {
		Path  string `json:"path"`
		Line  int    `json:"line"`
		Label string `json:"label"`
	}
	if json.Unmarshal(raw, &frames) != nil {
		return nil
	}
	for _, f := range frames {
		lines = append(lines, fmt.Sprintf("%s (%s:%d)", f.Label, f.Path, f.Line))
	}
	return lines
}

var errNoResult = errors.New("worker exited without a result")

func logOutput(log *zap.Logger, out string) {
	if out != "" {
		log.Debug("worker: output", zap.String("output", out))
	}
}
