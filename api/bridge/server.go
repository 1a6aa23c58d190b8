package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bifrost/api/blob"
	"bifrost/api/hub"
	"bifrost/api/metrics"
	"bifrost/api/model"
)

var (
	ErrNotConnected     = errors.New("bridge not connected")
	ErrUnknownRequest   = errors.New("unknown or already answered request")
	ErrDuplicateRequest = errors.New("request id already in flight")
	ErrClosed           = errors.New("bridge closed")
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 8 << 20
)

type ServerOptions struct {
	// Endpoint is reported in State; it is the address stubs dial.
	Endpoint    string
	Secret      []byte
	Blobs       blob.Store
	InlineLimit int
	Hub         *hub.Hub
}

// peer is one connected stub. Writes are serialized; gorilla connections
// allow a single concurrent writer.
type peer struct {
	id     string
	remote string
	conn   *websocket.Conn
	wmu    sync.Mutex
}

func (p *peer) write(ctx context.Context, data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Server is the local end of the bridge. Stubs connect to HandleConnect;
// the dispatcher pulls requests with Receive and answers with Respond.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader
	incoming chan *model.InvocationRequest
	closed   chan struct{}
	once     sync.Once

	mu           sync.Mutex
	peers        map[*peer]bool
	pending      map[string]*peer // request id → peer it arrived on
	lastActivity time.Time
}

func NewServer(opts ServerOptions) *Server {
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = DefaultInlineLimit
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// stubs are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		incoming: make(chan *model.InvocationRequest, 64),
		closed:   make(chan struct{}),
		peers:    make(map[*peer]bool),
		pending:  make(map[string]*peer),
	}
}

// HandleConnect upgrades a stub connection after checking its token.
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "bridge closed", http.StatusServiceUnavailable)
		return
	default:
	}

	if len(s.opts.Secret) > 0 {
		claims, err := VerifyToken(s.opts.Secret, tokenFromRequest(r))
		if err != nil {
			Logger().Warn("bridge: rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "invalid bridge token", http.StatusUnauthorized)
			return
		}
		Logger().Debug("bridge: token accepted", zap.String("subject", claims.Subject))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger().Warn("bridge: upgrade", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	p := &peer{id: uuid.NewString(), remote: r.RemoteAddr, conn: conn}
	s.mu.Lock()
	s.peers[p] = true
	s.lastActivity = time.Now()
	n := len(s.peers)
	s.mu.Unlock()

	metrics.SetPeers(n)
	Logger().Info("bridge: stub connected", zap.String("peer", p.id), zap.String("remote", p.remote), zap.Int("peers", n))
	s.opts.Hub.Broadcast(hub.Event{Type: hub.BridgeConnected, Payload: map[string]interface{}{"peer": p.id, "peers": n}})

	go s.keepalive(p)
	go s.readLoop(p)
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Server) keepalive(p *peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Server) readLoop(p *peer) {
	defer s.drop(p)

	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		s.touch()
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				Logger().Info("bridge: stub read error", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		if mt != websocket.BinaryMessage {
			continue
		}

		f, err := UnmarshalFrame(data)
		if err != nil {
			Logger().Warn("bridge: bad frame", zap.String("peer", p.id), zap.Error(err))
			continue
		}
		if f.Type != FrameRequest {
			Logger().Debug("bridge: ignoring non-request frame", zap.String("request", f.RequestID))
			continue
		}

		s.mu.Lock()
		_, dup := s.pending[f.RequestID]
		if !dup {
			s.pending[f.RequestID] = p
		}
		s.mu.Unlock()

		if dup {
			Logger().Warn("bridge: duplicate request", zap.String("request", f.RequestID))
			s.reject(p, f.RequestID, ErrDuplicateRequest)
			continue
		}

		go s.accept(p, f)
	}
}

// accept hydrates a request frame and hands it to Receive. A payload that
// cannot be fetched is answered here without reaching the dispatcher.
func (s *Server) accept(p *peer, f *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	err := hydrate(ctx, s.opts.Blobs, f)
	cancel()

	var req *model.InvocationRequest
	if err == nil {
		req, err = f.Request()
	}
	if err != nil {
		Logger().Warn("bridge: request rejected", zap.String("request", f.RequestID), zap.Error(err))
		res := model.Failure(f.RequestID, model.OutcomeTransportError, "TransportError", err.Error())
		if rerr := s.Respond(context.Background(), f.RequestID, res); rerr != nil {
			Logger().Debug("bridge: respond to rejected request", zap.Error(rerr))
		}
		return
	}
	if req.ArrivedAt.IsZero() {
		req.ArrivedAt = time.Now()
	}

	select {
	case s.incoming <- req:
	case <-s.closed:
	}
}

func (s *Server) reject(p *peer, id string, cause error) {
	res := model.Failure(id, model.OutcomeTransportError, "TransportError", cause.Error())
	f, err := ResponseFrame(res)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	if err := p.write(context.Background(), data); err != nil {
		Logger().Debug("bridge: reject write", zap.Error(err))
	}
}

func (s *Server) drop(p *peer) {
	p.conn.Close()

	s.mu.Lock()
	delete(s.peers, p)
	orphaned := 0
	for id, owner := range s.pending {
		if owner == p {
			delete(s.pending, id)
			orphaned++
		}
	}
	n := len(s.peers)
	s.mu.Unlock()

	metrics.SetPeers(n)
	Logger().Info("bridge: stub disconnected", zap.String("peer", p.id), zap.Int("peers", n), zap.Int("orphaned", orphaned))
	s.opts.Hub.Broadcast(hub.Event{Type: hub.BridgeDisconnected, Payload: map[string]interface{}{"peer": p.id, "peers": n}})
}

// Receive blocks until a forwarded request arrives.
func (s *Server) Receive(ctx context.Context) (*model.InvocationRequest, error) {
	select {
	case req := <-s.incoming:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Respond sends the single response for a request on the connection the
// request arrived on. Answering an id twice returns ErrUnknownRequest.
func (s *Server) Respond(ctx context.Context, requestID string, res *model.InvocationResult) error {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", requestID, ErrUnknownRequest)
	}

	out := *res
	out.RequestID = requestID
	f, err := ResponseFrame(&out)
	if err != nil {
		return err
	}
	if err := offload(ctx, s.opts.Blobs, s.opts.InlineLimit, blob.ResponseKey(requestID), f); err != nil {
		// fall back to a failure the stub can still receive inline
		Logger().Warn("bridge: response offload failed", zap.String("request", requestID), zap.Error(err))
		f, _ = ResponseFrame(model.Failure(requestID, model.OutcomeTransportError, "TransportError", err.Error()))
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	if err := p.write(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	s.touch()
	return nil
}

// State reports the connection state as seen from the local side.
func (s *Server) State() model.BridgeConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.BridgeConnection{
		Endpoint:     s.opts.Endpoint,
		LastActivity: s.lastActivity,
		Peers:        len(s.peers),
		InFlight:     len(s.pending),
	}
	select {
	case <-s.closed:
		st.State = model.StateDisconnected
	default:
		if len(s.peers) > 0 {
			st.State = model.StateConnected
		} else {
			st.State = model.StateConnecting
		}
	}
	return st
}

// Close disconnects every stub and unblocks Receive.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		peers := make([]*peer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()
		for _, p := range peers {
			p.wmu.Lock()
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			p.wmu.Unlock()
			p.conn.Close()
		}
	})
}
