package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bifrost/api/blob"
	"bifrost/api/model"
)

const DefaultDialTimeout = 3 * time.Second

type ClientOptions struct {
	Endpoint string
	// Secret signs a fresh token for every dial; empty disables auth.
	Secret      []byte
	Subject     string
	Blobs       blob.Store
	InlineLimit int
	DialTimeout time.Duration
	// IdleTimeout bounds how long a silent pooled connection is trusted.
	// The server drops peers it has not heard from for this long, so an
	// older connection is redialed before use.
	IdleTimeout time.Duration
}

// Client is the remote end of the bridge, used by the deployed stub. It
// keeps one pooled connection, dialing lazily and again after a reset.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer

	mu           sync.Mutex
	conn         *websocket.Conn
	state        model.ConnState
	lastActivity time.Time
	pending      map[string]chan *model.InvocationResult

	wmu sync.Mutex
}

func NewClient(opts ClientOptions) *Client {
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = DefaultInlineLimit
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = pongWait
	}
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		state:   model.StateDisconnected,
		pending: make(map[string]chan *model.InvocationResult),
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if len(c.pending) > 0 || time.Since(c.lastActivity) < c.opts.IdleTimeout {
			return c.conn, nil
		}
		// a frozen container misses the server's pings and is dropped
		Logger().Debug("bridge: redialing idle connection",
			zap.Duration("idle", time.Since(c.lastActivity)))
		stale := c.conn
		c.conn = nil
		stale.Close()
	}

	c.state = model.StateConnecting
	header := http.Header{}
	if len(c.opts.Secret) > 0 {
		token, err := IssueToken(c.opts.Secret, c.opts.Subject, DefaultTokenTTL)
		if err != nil {
			c.state = model.StateDisconnected
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dctx, c.opts.Endpoint, header)
	if err != nil {
		c.state = model.StateDisconnected
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v (status %d)", ErrNotConnected, c.opts.Endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, c.opts.Endpoint, err)
	}
	conn.SetReadLimit(maxFrameSize)
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.conn = conn
	c.state = model.StateConnected
	c.lastActivity = time.Now()
	Logger().Debug("bridge: connected", zap.String("endpoint", c.opts.Endpoint))
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Send forwards req and waits for its response. Connection and write
// failures are returned as errors and never retried; a connection reset
// while waiting yields a transportError result.
func (c *Client) Send(ctx context.Context, req *model.InvocationRequest) (*model.InvocationResult, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	f, err := RequestFrame(req)
	if err != nil {
		return nil, err
	}
	if err := offload(ctx, c.opts.Blobs, c.opts.InlineLimit, blob.RequestKey(req.ID), f); err != nil {
		return nil, err
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return nil, err
	}

	ch := make(chan *model.InvocationResult, 1)
	c.mu.Lock()
	if _, ok := c.pending[req.ID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", req.ID, ErrDuplicateRequest)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.write(ctx, conn, data); err != nil {
		c.forget(req.ID)
		c.reset(conn)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.reset(conn)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			Logger().Debug("bridge: read", zap.Error(err))
			return
		}
		c.touch()
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := UnmarshalFrame(data)
		if err != nil {
			Logger().Warn("bridge: bad frame", zap.Error(err))
			continue
		}
		if f.Type != FrameResponse {
			continue
		}
		if f.BlobKey != "" {
			go c.deliverBlob(f)
			continue
		}
		c.deliver(f)
	}
}

func (c *Client) deliverBlob(f *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := hydrate(ctx, c.opts.Blobs, f); err != nil {
		c.resolve(model.Failure(f.RequestID, model.OutcomeTransportError, "TransportError", err.Error()))
		return
	}
	c.deliver(f)
}

func (c *Client) deliver(f *Frame) {
	res, err := f.Result()
	if err != nil {
		res = model.Failure(f.RequestID, model.OutcomeTransportError, "TransportError", err.Error())
	}
	c.resolve(res)
}

// resolve hands res to its waiter. Responses for unknown or already
// resolved ids are dropped.
func (c *Client) resolve(res *model.InvocationResult) {
	c.mu.Lock()
	ch, ok := c.pending[res.RequestID]
	if ok {
		delete(c.pending, res.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		Logger().Debug("bridge: dropping unmatched response", zap.String("request", res.RequestID))
		return
	}
	ch <- res
}

// reset discards conn and fails every waiter with transportError.
func (c *Client) reset(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = model.StateDisconnected
	pending := c.pending
	c.pending = make(map[string]chan *model.InvocationResult)
	c.mu.Unlock()

	conn.Close()
	for id, ch := range pending {
		ch <- model.Failure(id, model.OutcomeTransportError, "TransportError", "bridge connection reset")
	}
}

func (c *Client) State() model.BridgeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := model.BridgeConnection{
		Endpoint:     c.opts.Endpoint,
		State:        c.state,
		LastActivity: c.lastActivity,
		InFlight:     len(c.pending),
	}
	if c.conn != nil {
		st.Peers = 1
	}
	return st
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.wmu.Lock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	c.reset(conn)
	return nil
}
