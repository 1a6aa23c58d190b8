package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost/api/model"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "secret")
}

func TestClientSendsBearerToken(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/version", r.URL.Path)
		w.Write([]byte(`{"version":"1.2.3"}`))
	})

	v, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
}

func TestClientListFunctions(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"functions":[{"id":"fn-a","handler":"index.handler","runtime":"nodejs18.x","timeout":"30s","build":{"functionId":"fn-a","building":true}}]}`))
	})

	fns, err := c.ListFunctions()
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, "fn-a", fns[0].ID)
	assert.Equal(t, 30*time.Second, fns[0].Timeout.Duration)
	require.NotNil(t, fns[0].Build)
	assert.True(t, fns[0].Build.Building)
}

func TestClientHTTPError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"SyntaxError: unexpected token","fingerprint":"abc"}`))
	})

	_, err := c.Rebuild("fn-a", time.Second)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnprocessableEntity, he.Status)
	assert.Equal(t, "SyntaxError: unexpected token", he.Message())
	assert.Contains(t, err.Error(), "HTTP 422")
}

func TestClientInvokeNotFoundIsAResult(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/functions/ghost/invoke", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(model.Failure("r1", model.OutcomeNotFound, "Bifrost.NotFound", "function ghost is not registered"))
	})

	res, err := c.Invoke("ghost", `{}`, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNotFound, res.Outcome)
	assert.Equal(t, "r1", res.RequestID)
}

func TestClientInvokePlainNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.Invoke("fn-a", `{}`, time.Second)
	require.Error(t, err)
}

func TestClientRecentJournalQuery(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fn-a", r.URL.Query().Get("function"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"steps":[{"requestId":"r1","state":"received","message":"arrived"}]}`))
	})

	steps, err := c.RecentJournal("fn-a", 5)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "r1", steps[0].RequestID)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8900/ws", New("http://127.0.0.1:8900/", "").WebSocketURL())
	assert.Equal(t, "wss://bifrost.example.com/ws", New("https://bifrost.example.com", "").WebSocketURL())
}
