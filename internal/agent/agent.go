// Package agent implements the desktop tunnel client: it holds the broker
// WebSocket open, proxies tunneled requests to the local origin, and
// recovers from disconnects with exponential backoff.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/protocol"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/telemetry"
)

// State is the agent connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a state-change notification emitted on the Events channel.
type Event struct {
	State   State
	Attempt int
	Err     error
}

// Agent is the tunnel client.
type Agent struct {
	cfg     *config.AgentConfig
	tokens  *tokenSource
	local   *localDispatcher
	queue   *queue.Queue
	metrics *telemetry.AgentMetrics // nil = no metrics

	Events chan Event

	state    atomic.Int32
	attempts atomic.Int32

	mu       sync.Mutex
	conn     *websocket.Conn
	writeCh  chan []byte
	inflight map[string]*protocol.HTTPRequest // dispatched but unanswered

	hb heartbeatState

	closed chan struct{}
	once   sync.Once
}

// New creates an Agent from config. metrics may be nil.
func New(cfg *config.AgentConfig, metrics *telemetry.AgentMetrics) (*Agent, error) {
	tokens, err := newTokenSource(cfg.Token)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:      cfg,
		tokens:   tokens,
		local:    newLocalDispatcher(cfg.LocalOrigin, cfg.RequestTimeout),
		queue:    queue.New(cfg.Queue.Limit, cfg.Queue.TTL, queue.DropNewest),
		metrics:  metrics,
		Events:   make(chan Event, 16),
		inflight: make(map[string]*protocol.HTTPRequest),
		closed:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Attempt returns the current reconnection attempt number.
func (a *Agent) Attempt() int { return int(a.attempts.Load()) }

// QueueLen returns the current request queue depth.
func (a *Agent) QueueLen() int { return a.queue.Len() }

// Run connects and keeps the tunnel alive until ctx is cancelled, Close is
// called, or the retry budget is exhausted. Queued requests are restored
// from the snapshot on startup and persisted on exit.
func (a *Agent) Run(ctx context.Context) error {
	if path := a.cfg.Queue.SnapshotPath; path != "" {
		if n, err := a.queue.Restore(path); err != nil {
			slog.Warn("queue restore failed", "error", err)
		} else if n > 0 {
			slog.Info("queue restored", "items", n)
		}
	}
	a.syncQueueGauge()
	defer a.persistQueue()

	var lastClose tunnel.Code
	for {
		select {
		case <-ctx.Done():
			a.setState(StateClosed, nil)
			return nil
		case <-a.closed:
			a.setState(StateClosed, nil)
			return nil
		default:
		}

		if lastClose == tunnel.CodeTokenExpired {
			if err := a.tokens.Refresh(ctx); err != nil {
				if !tunnel.CodeOf(err).Retryable() {
					a.setState(StateClosed, err)
					return err
				}
				slog.Warn("token refresh failed", "error", err)
			}
		}

		closeCode, err := a.runOnce(ctx)
		lastClose = closeCode
		if lastClose == "" && err != nil {
			// Handshake rejections carry the code in the error, not in a
			// close frame.
			lastClose = tunnel.CodeOf(err)
		}
		if err == nil {
			// Clean shutdown requested.
			a.setState(StateClosed, nil)
			return nil
		}
		if !tunnel.CodeOf(err).Retryable() {
			a.setState(StateClosed, err)
			return err
		}

		attempt := int(a.attempts.Add(1))
		if a.metrics != nil {
			a.metrics.ReconnectAttempts.Inc()
		}
		if a.cfg.Reconnect.MaxAttempts > 0 && attempt > a.cfg.Reconnect.MaxAttempts {
			err := tunnel.Ef(tunnel.CodeNetworkUnreachable, "gave up after %d attempts", attempt-1)
			a.setState(StateClosed, err)
			return err
		}

		delay := backoffDelay(a.cfg.Reconnect.BaseDelay, a.cfg.Reconnect.MaxDelay, attempt)
		a.setState(StateReconnecting, err)
		slog.Info("reconnecting", "attempt", attempt, "delay", delay.Round(time.Millisecond), "cause", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			a.setState(StateClosed, nil)
			return nil
		case <-a.closed:
			a.setState(StateClosed, nil)
			return nil
		}
	}
}

// Close cancels any backoff in progress and shuts the agent down.
func (a *Agent) Close() {
	a.once.Do(func() {
		close(a.closed)
		a.mu.Lock()
		if a.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown")
			_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = a.conn.Close()
		}
		a.mu.Unlock()
	})
}

// runOnce performs one connect/serve cycle. It returns the broker's close
// code (when one was received) and the error that ended the cycle.
func (a *Agent) runOnce(ctx context.Context) (tunnel.Code, error) {
	a.setState(StateConnecting, nil)

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	a.setState(StateAuthenticating, nil)
	header := http.Header{"Authorization": {"Bearer " + token}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, a.cfg.BrokerURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return "", classifyHandshake(resp)
		}
		return "", classifyNetErr(err)
	}

	a.mu.Lock()
	a.conn = conn
	a.writeCh = make(chan []byte, 64)
	a.mu.Unlock()

	a.setState(StateConnected, nil)
	a.attempts.Store(0)
	slog.Info("tunnel connected", "broker", a.cfg.BrokerURL)

	// Re-send requests queued while disconnected, FIFO within priority.
	a.flushQueue()

	closeCode, serveErr := a.serve(ctx, conn)

	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()
	_ = conn.Close()

	// Requests still unanswered move to the queue for the next connection.
	a.requeueInflight()

	return closeCode, serveErr
}

// serve runs the read, write, and heartbeat tasks until one fails.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) (tunnel.Code, error) {
	var closeCode atomic.Value // tunnel.Code
	conn.SetReadLimit(int64(a.cfg.MaxFrameBytes))

	g, gctx := errgroup.WithContext(ctx)

	// Read task: decode frames, dispatch local HTTP calls.
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					code := tunnel.Code(ce.Text)
					closeCode.Store(code)
					return tunnel.Ef(code, "broker closed: %s", ce.Text)
				}
				return tunnel.Wrap(tunnel.CodeSessionLost, err)
			}
			a.handleFrame(gctx, data)
		}
	})

	// Write task: single writer for the socket.
	g.Go(func() error {
		for {
			select {
			case data := <-a.writeCh:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return tunnel.Wrap(tunnel.CodeSessionLost, err)
				}
			case <-gctx.Done():
				return gctx.Err()
			case <-a.closed:
				return nil
			}
		}
	})

	// Heartbeat task: mirror of the broker's ping/pong.
	g.Go(func() error {
		return a.heartbeat(gctx)
	})

	// ReadMessage does not observe context cancellation; closing the socket
	// is the only way to unblock the read task on shutdown.
	go func() {
		select {
		case <-gctx.Done():
		case <-a.closed:
		}
		_ = conn.Close()
	}()

	err := g.Wait()
	if code, ok := closeCode.Load().(tunnel.Code); ok && code != "" {
		return code, err
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return "", nil
	}
	return "", err
}

// send queues a frame for the writer task.
func (a *Agent) send(ctx context.Context, frame any) error {
	data, err := protocol.Encode(frame, a.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	a.mu.Lock()
	ch := a.writeCh
	a.mu.Unlock()
	if ch == nil {
		return tunnel.E(tunnel.CodeSessionLost, "not connected")
	}
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		return tunnel.E(tunnel.CodeSessionLost, "agent closed")
	}
}

// handleFrame processes one inbound frame.
func (a *Agent) handleFrame(ctx context.Context, data []byte) {
	frameType, err := protocol.PeekType(data, a.cfg.MaxFrameBytes)
	if err != nil {
		slog.Warn("frame ignored", "error", err)
		return
	}

	switch frameType {
	case protocol.TypeHTTPRequest:
		var req protocol.HTTPRequest
		if err := protocol.Decode(data, &req); err != nil {
			slog.Warn("bad request frame", "error", err)
			return
		}
		a.trackInflight(&req)
		// Each request dispatches on its own task so a slow origin call
		// cannot stall the read loop.
		go a.dispatch(ctx, &req)

	case protocol.TypePing:
		var ping protocol.Ping
		if err := protocol.Decode(data, &ping); err != nil {
			return
		}
		_ = a.send(ctx, protocol.NewPong(&ping))

	case protocol.TypePong:
		var pong protocol.Pong
		if err := protocol.Decode(data, &pong); err != nil {
			return
		}
		a.pongReceived(pong.ID)

	case protocol.TypeError:
		var ef protocol.Error
		if err := protocol.Decode(data, &ef); err != nil {
			return
		}
		slog.Warn("broker error", "code", ef.Code, "message", ef.Message, "request_id", ef.ID)
	}
}

// dispatch forwards one tunneled request to the local origin and sends the
// response (or error frame) back.
func (a *Agent) dispatch(ctx context.Context, req *protocol.HTTPRequest) {
	defer a.untrackInflight(req.ID)

	resp, err := a.local.Do(ctx, req)
	if err != nil {
		var te *tunnel.Error
		if !errors.As(err, &te) {
			te = tunnel.Wrap(tunnel.CodeUpstreamError, err)
		}
		slog.Warn("local dispatch failed", "request_id", req.ID, "code", te.Code)
		_ = a.send(ctx, protocol.NewError(req.ID, te))
		return
	}
	if err := a.send(ctx, resp); err != nil {
		slog.Warn("response send failed", "request_id", req.ID, "error", err)
	}
}

// trackInflight remembers a request until answered so it can be requeued on
// disconnect.
func (a *Agent) trackInflight(req *protocol.HTTPRequest) {
	a.mu.Lock()
	a.inflight[req.ID] = req
	a.mu.Unlock()
}

func (a *Agent) untrackInflight(id string) {
	a.mu.Lock()
	delete(a.inflight, id)
	a.mu.Unlock()
}

// requeueInflight flushes unanswered requests into the queue so they can be
// re-sent after reconnect. The broker discards answers it no longer waits
// for, so re-sending is safe.
func (a *Agent) requeueInflight() {
	a.mu.Lock()
	pending := a.inflight
	a.inflight = make(map[string]*protocol.HTTPRequest)
	a.mu.Unlock()

	for _, req := range pending {
		data, err := protocol.Encode(req, a.cfg.MaxFrameBytes)
		if err != nil {
			continue
		}
		if err := a.queue.Enqueue(data, 0); err != nil {
			slog.Warn("request dropped on requeue", "request_id", req.ID, "error", err)
		}
	}
	a.syncQueueGauge()
}

// flushQueue drains the queue onto the fresh connection in FIFO/priority order.
func (a *Agent) flushQueue() {
	flushed := 0
	for {
		item := a.queue.Dequeue()
		if item == nil {
			break
		}
		a.mu.Lock()
		ch := a.writeCh
		a.mu.Unlock()
		if ch == nil {
			// Connection already gone again; keep the item for next time.
			_ = a.queue.Enqueue(item.Payload, item.Priority)
			return
		}
		select {
		case ch <- item.Payload:
			flushed++
		case <-a.closed:
			_ = a.queue.Enqueue(item.Payload, item.Priority)
			return
		}
	}
	if flushed > 0 {
		slog.Info("queued requests flushed", "count", flushed)
	}
	a.syncQueueGauge()
}

// syncQueueGauge reflects the queue depth into the agent metrics.
func (a *Agent) syncQueueGauge() {
	if a.metrics != nil {
		a.metrics.QueueFill.Set(float64(a.queue.Len()))
	}
}

func (a *Agent) persistQueue() {
	if path := a.cfg.Queue.SnapshotPath; path != "" {
		if err := a.queue.Persist(path); err != nil {
			slog.Warn("queue persist failed", "error", err)
		}
	}
}

// setState transitions the state and emits an event, dropping events when
// nobody listens.
func (a *Agent) setState(s State, err error) {
	a.state.Store(int32(s))
	select {
	case a.Events <- Event{State: s, Attempt: a.Attempt(), Err: err}:
	default:
	}
}

// --- heartbeat ---

type heartbeatState struct {
	mu       sync.Mutex
	pingID   string
	lastPong time.Time
}

// pongReceived clears the outstanding ping.
func (a *Agent) pongReceived(id string) {
	a.hb.mu.Lock()
	defer a.hb.mu.Unlock()
	if a.hb.pingID == id {
		a.hb.pingID = ""
		a.hb.lastPong = time.Now()
	}
}

// heartbeat sends pings on the interval and treats a missing pong as a
// disconnect, returning heartbeat_timeout to trigger recovery.
func (a *Agent) heartbeat(ctx context.Context) error {
	a.hb.mu.Lock()
	a.hb.lastPong = time.Now()
	a.hb.pingID = ""
	a.hb.mu.Unlock()

	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.hb.mu.Lock()
			overdue := time.Since(a.hb.lastPong)
			a.hb.mu.Unlock()
			if overdue > a.cfg.PongTimeout {
				return tunnel.Ef(tunnel.CodeHeartbeatTimeout, "no pong for %s", overdue.Round(time.Second))
			}

			ping := protocol.NewPing(uuid.Must(uuid.NewV7()).String())
			a.hb.mu.Lock()
			a.hb.pingID = ping.ID
			a.hb.mu.Unlock()
			if err := a.send(ctx, ping); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-a.closed:
			return nil
		}
	}
}

// classifyHandshake maps a refused upgrade to a tunnel error. The broker's
// JSON error body carries the real code (token_invalid vs token_expired
// both arrive as 401, but only the latter is retryable), so the body is
// authoritative and the status a fallback.
func classifyHandshake(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if json.Unmarshal(data, &body) == nil && body.Error.Code != "" {
		msg := body.Error.Message
		if msg == "" {
			msg = "broker refused connection"
		}
		return tunnel.E(tunnel.Code(body.Error.Code), msg)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		// No parsable code: assume the token is bad rather than expired, so
		// the agent surfaces the failure instead of refreshing forever.
		return tunnel.E(tunnel.CodeTokenInvalid, "broker rejected token")
	case http.StatusForbidden:
		return tunnel.E(tunnel.CodeForbidden, "broker refused connection")
	case http.StatusTooManyRequests:
		return tunnel.E(tunnel.CodeRateLimitExceeded, "broker rate limited the handshake")
	case http.StatusServiceUnavailable:
		return tunnel.E(tunnel.CodeServerUnavailable, "broker unavailable")
	default:
		return tunnel.Ef(tunnel.CodeServerUnavailable, "handshake failed with status %d", resp.StatusCode)
	}
}
