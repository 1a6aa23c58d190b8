package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bifrost/api/build"
	"bifrost/api/journal"
	"bifrost/api/model"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// HTTPError is a non-2xx answer from the local server.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message())
}

// Message returns the "error" field of a JSON body, or the raw body.
func (e *HTTPError) Message() string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(e.Body)
}

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type HealthStatus struct {
	Status    string          `json:"status"`
	Functions int             `json:"functions"`
	Services  []ServiceHealth `json:"services"`
}

type Stats struct {
	Functions int         `json:"functions"`
	Builds    build.Stats `json:"builds"`
	Consoles  int         `json:"consoles"`
	Peers     int         `json:"peers"`
	InFlight  int         `json:"inFlight"`
}

type Function struct {
	model.FunctionDefinition
	Build *build.Status `json:"build,omitempty"`
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Version() (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.get("/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func (c *Client) Stats() (*Stats, error) {
	var s Stats
	if err := c.get("/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Bridge() (*model.BridgeConnection, error) {
	var b model.BridgeConnection
	if err := c.get("/api/bridge", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ListFunctions() ([]Function, error) {
	var resp struct {
		Functions []Function `json:"functions"`
	}
	if err := c.get("/api/functions", &resp); err != nil {
		return nil, err
	}
	return resp.Functions, nil
}

func (c *Client) GetFunction(id string) (*Function, error) {
	var fn Function
	if err := c.get("/api/functions/"+url.PathEscape(id), &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (c *Client) RegisterFunction(def model.FunctionDefinition) (*Function, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var fn Function
	if err := c.post("/api/functions", string(body), &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

// Rebuild forces a fresh build. Builds can outlast the default client
// timeout, so the request is bounded by timeout instead.
func (c *Client) Rebuild(id string, timeout time.Duration) (*model.BuildArtifact, error) {
	var art model.BuildArtifact
	hc := *c.HTTPClient
	hc.Timeout = timeout
	if err := c.do(&hc, http.MethodPost, "/api/functions/"+url.PathEscape(id)+"/rebuild", "", &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// Invoke runs the function locally with body as its event. A notFound
// result is returned as a result, not an error.
func (c *Client) Invoke(id, body string, timeout time.Duration) (*model.InvocationResult, error) {
	var res model.InvocationResult
	hc := *c.HTTPClient
	hc.Timeout = timeout
	err := c.do(&hc, http.MethodPost, "/api/functions/"+url.PathEscape(id)+"/invoke", body, &res)
	if he, ok := err.(*HTTPError); ok && he.Status == http.StatusNotFound && res.Outcome == model.OutcomeNotFound {
		return &res, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListInvocations(id string, limit int) ([]model.InvocationRecord, error) {
	var resp struct {
		Invocations []model.InvocationRecord `json:"invocations"`
	}
	path := "/api/functions/" + url.PathEscape(id) + "/invocations?limit=" + strconv.Itoa(limit)
	if err := c.get(path, &resp); err != nil {
		return nil, err
	}
	return resp.Invocations, nil
}

func (c *Client) Journal(requestID string) ([]journal.Step, error) {
	var resp struct {
		Steps []journal.Step `json:"steps"`
	}
	if err := c.get("/api/invocations/"+url.PathEscape(requestID)+"/journal", &resp); err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

func (c *Client) RecentJournal(functionID string, limit int) ([]journal.Step, error) {
	q := url.Values{}
	if functionID != "" {
		q.Set("function", functionID)
	}
	q.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Steps []journal.Step `json:"steps"`
	}
	if err := c.get("/api/journal?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Steps, nil
}

func (c *Client) WebSocketURL() string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/ws"
}

func (c *Client) get(path string, v any) error {
	return c.do(c.HTTPClient, http.MethodGet, path, "", v)
}

func (c *Client) post(path, body string, v any) error {
	return c.do(c.HTTPClient, http.MethodPost, path, body, v)
}

func (c *Client) do(hc *http.Client, method, path, body string, v any) error {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		// structured error bodies still decode so callers can inspect them
		if v != nil && json.Valid(data) {
			json.Unmarshal(data, v)
		}
		return &HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}
