package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost/api/blob"
	"bifrost/api/model"
)

func newTestBridge(t *testing.T, srvOpts ServerOptions, cliOpts ClientOptions) (*Server, *Client) {
	t.Helper()
	srv := NewServer(srvOpts)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnect))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	cliOpts.Endpoint = "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge"
	cli := NewClient(cliOpts)
	t.Cleanup(func() { cli.Close() })
	return srv, cli
}

func request(id string, payload []byte) *model.InvocationRequest {
	return &model.InvocationRequest{
		ID:         id,
		FunctionID: "fn-a",
		Payload:    payload,
		Deadline:   time.Now().Add(5 * time.Second),
	}
}

// echo answers every request with its own payload until ctx ends.
func echo(ctx context.Context, srv *Server) {
	for {
		req, err := srv.Receive(ctx)
		if err != nil {
			return
		}
		go srv.Respond(ctx, req.ID, &model.InvocationResult{Outcome: model.OutcomeSuccess, Payload: req.Payload})
	}
}

func TestSendReceiveRespond(t *testing.T) {
	srv, cli := newTestBridge(t, ServerOptions{}, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go echo(ctx, srv)

	res, err := cli.Send(ctx, request("r1", []byte(`{"hello":"world"}`)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "r1", res.RequestID)
	assert.JSONEq(t, `{"hello":"world"}`, string(res.Payload))

	assert.Equal(t, model.StateConnected, cli.State().State)
	assert.Equal(t, model.StateConnected, srv.State().State)
	assert.Equal(t, 1, srv.State().Peers)
}

func TestConcurrentRequestsOutOfOrder(t *testing.T) {
	srv, cli := newTestBridge(t, ServerOptions{}, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		var reqs []*model.InvocationRequest
		for len(reqs) < 5 {
			req, err := srv.Receive(ctx)
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			srv.Respond(ctx, reqs[i].ID, &model.InvocationResult{Outcome: model.OutcomeSuccess, Payload: reqs[i].Payload})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			res, err := cli.Send(ctx, request(id, []byte(fmt.Sprintf("%d", i))))
			if assert.NoError(t, err) {
				assert.Equal(t, id, res.RequestID)
				assert.Equal(t, fmt.Sprintf("%d", i), string(res.Payload))
			}
		}(i)
	}
	wg.Wait()
}

func TestBlobOffloadBothDirections(t *testing.T) {
	store := blob.NewMemoryStore()
	srv, cli := newTestBridge(t,
		ServerOptions{Blobs: store, InlineLimit: 1024},
		ClientOptions{Blobs: store, InlineLimit: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go echo(ctx, srv)

	payload := bytes.Repeat([]byte("a"), 100*1024)
	res, err := cli.Send(ctx, request("big", payload))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, len(payload), len(res.Payload))
	assert.Equal(t, 0, store.Len(), "blobs must be taken by the receiver")
}

func TestBlobFetchFailureAnsweredLocally(t *testing.T) {
	srv, cli := newTestBridge(t,
		ServerOptions{Blobs: blob.NewMemoryStore(), InlineLimit: 16},
		ClientOptions{Blobs: blob.NewMemoryStore(), InlineLimit: 16})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan struct{}, 1)
	go func() {
		if _, err := srv.Receive(ctx); err == nil {
			received <- struct{}{}
		}
	}()

	res, err := cli.Send(ctx, request("lost", bytes.Repeat([]byte("b"), 64)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTransportError, res.Outcome)
	select {
	case <-received:
		t.Fatal("dispatcher must not see a request whose payload could not be fetched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRespondTwiceRejected(t *testing.T) {
	srv, cli := newTestBridge(t, ServerOptions{}, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *model.InvocationResult, 1)
	go func() {
		res, _ := cli.Send(ctx, request("r1", nil))
		done <- res
	}()

	req, err := srv.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, srv.Respond(ctx, req.ID, &model.InvocationResult{Outcome: model.OutcomeSuccess}))
	err = srv.Respond(ctx, req.ID, &model.InvocationResult{Outcome: model.OutcomeHandlerError})
	assert.ErrorIs(t, err, ErrUnknownRequest)

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
}

func TestRespondUnknownRequest(t *testing.T) {
	srv := NewServer(ServerOptions{})
	err := srv.Respond(context.Background(), "never-seen", &model.InvocationResult{})
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestSendFailsFastWithoutListener(t *testing.T) {
	cli := NewClient(ClientOptions{Endpoint: "ws://127.0.0.1:1/bridge", DialTimeout: time.Second})
	start := time.Now()
	_, err := cli.Send(context.Background(), request("r1", nil))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.StateDisconnected, cli.State().State)
}

func TestConnectionResetFailsPending(t *testing.T) {
	srv, cli := newTestBridge(t, ServerOptions{}, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if _, err := srv.Receive(ctx); err == nil {
			srv.Close()
		}
	}()

	res, err := cli.Send(ctx, request("r1", nil))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTransportError, res.Outcome)
	assert.Equal(t, model.StateDisconnected, srv.State().State)
}

func TestClientRedialsAfterReset(t *testing.T) {
	srv, cli := newTestBridge(t, ServerOptions{}, ClientOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go echo(ctx, srv)

	_, err := cli.Send(ctx, request("r1", nil))
	require.NoError(t, err)
	require.NoError(t, cli.Close())
	assert.Equal(t, model.StateDisconnected, cli.State().State)

	res, err := cli.Send(ctx, request("r2", nil))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
}

func TestServerStateWithoutPeers(t *testing.T) {
	srv := NewServer(ServerOptions{Endpoint: "ws://localhost:8900/bridge"})
	st := srv.State()
	assert.Equal(t, model.StateConnecting, st.State)
	assert.Equal(t, "ws://localhost:8900/bridge", st.Endpoint)
	srv.Close()
	assert.Equal(t, model.StateDisconnected, srv.State().State)

	_, err := srv.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAuthRequired(t *testing.T) {
	secret := []byte("s3cret")
	_, anon := newTestBridge(t, ServerOptions{Secret: secret}, ClientOptions{})
	_, err := anon.Send(context.Background(), request("r1", nil))
	assert.ErrorIs(t, err, ErrNotConnected)

	srv, cli := newTestBridge(t, ServerOptions{Secret: secret}, ClientOptions{Secret: secret, Subject: "fn-a"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go echo(ctx, srv)
	res, err := cli.Send(ctx, request("r1", json.RawMessage(`1`)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
}

func TestSendHonoursContext(t *testing.T) {
	srv, cli := newTestBridge(t, ServerOptions{}, ClientOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go srv.Receive(context.Background())

	_, err := cli.Send(ctx, request("slow", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, cli.State().InFlight)
}

func TestDuplicateInFlightIDRejected(t *testing.T) {
	srv := NewServer(ServerOptions{})
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnect))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge"
	first := NewClient(ClientOptions{Endpoint: endpoint})
	second := NewClient(ClientOptions{Endpoint: endpoint})
	t.Cleanup(func() {
		first.Close()
		second.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firstDone := make(chan *model.InvocationResult, 1)
	go func() {
		res, _ := first.Send(ctx, request("dup", []byte(`"ok"`)))
		firstDone <- res
	}()
	req, err := srv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "dup", req.ID)

	res, err := second.Send(ctx, request("dup", []byte(`"other"`)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTransportError, res.Outcome)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.ErrorMessage, ErrDuplicateRequest.Error())

	require.NoError(t, srv.Respond(ctx, req.ID, &model.InvocationResult{Outcome: model.OutcomeSuccess, Payload: req.Payload}))
	res = <-firstDone
	require.NotNil(t, res)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, `"ok"`, string(res.Payload))
}

// silentThenEcho never answers on its first connection, like a server that
// has already dropped a frozen peer, and echoes on every later one.
func silentThenEcho(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := UnmarshalFrame(data)
			if err != nil {
				return
			}
			res, err := ResponseFrame(&model.InvocationResult{RequestID: f.RequestID, Outcome: model.OutcomeSuccess, Payload: f.Payload})
			if err != nil {
				return
			}
			out, err := MarshalFrame(res)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge", &conns
}

func TestIdleConnectionRedialedBeforeSend(t *testing.T) {
	endpoint, conns := silentThenEcho(t)
	cli := NewClient(ClientOptions{Endpoint: endpoint, IdleTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { cli.Close() })

	_, err := cli.connect(context.Background())
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := cli.Send(ctx, request("after-thaw", []byte(`1`)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int32(2), conns.Load())
}

func TestFreshConnectionReused(t *testing.T) {
	srv, cli := newTestBridge(t, ServerOptions{}, ClientOptions{IdleTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go echo(ctx, srv)

	first, err := cli.connect(ctx)
	require.NoError(t, err)
	_, err = cli.Send(ctx, request("r1", nil))
	require.NoError(t, err)
	second, err := cli.connect(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
