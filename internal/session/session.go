// Package session runs the broker side of one agent WebSocket: the read
// loop, the single writer, the heartbeat, and the session state machine.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/correlator"
	"github.com/eugener/palantir/internal/protocol"
	"github.com/eugener/palantir/internal/telemetry"
)

// State is the session lifecycle state.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the per-session protocol knobs.
type Config struct {
	PingInterval  time.Duration
	PongTimeout   time.Duration
	IdleTimeout   time.Duration
	MaxFrameBytes int
	MaxChannels   int
	DrainGrace    time.Duration
	WriteTimeout  time.Duration
}

// writeBacklog bounds the writer channel; senders block (backpressure on the
// dispatcher) when the socket cannot drain fast enough.
const writeBacklog = 64

// Session is one authenticated broker-side WebSocket connection.
type Session struct {
	id       string
	identity tunnel.Identity
	conn     *websocket.Conn
	cfg      Config

	correlator *correlator.Table
	metrics    *telemetry.Metrics

	writeCh chan []byte   // application frames
	ctrlCh  chan []byte   // heartbeat frames, drained ahead of writeCh
	done    chan struct{} // closed once the session is fully closed

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nano of last inbound frame
	lastPong     atomic.Int64 // unix nano of last pong received
	pingID       atomic.Value // string: id of the outstanding ping

	closeOnce   sync.Once
	closeReason tunnel.Code

	// onClose runs exactly once after teardown (registry unregister).
	onClose func(*Session)
}

// New creates a session for an authenticated, upgraded connection.
func New(conn *websocket.Conn, identity tunnel.Identity, table *correlator.Table, metrics *telemetry.Metrics, cfg Config, onClose func(*Session)) *Session {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Session{
		id:         uuid.Must(uuid.NewV7()).String(),
		identity:   identity,
		conn:       conn,
		cfg:        cfg,
		correlator: table,
		metrics:    metrics,
		writeCh:    make(chan []byte, writeBacklog),
		ctrlCh:     make(chan []byte, 4),
		done:       make(chan struct{}),
		onClose:    onClose,
	}
	s.state.Store(int32(StateActive))
	now := time.Now().UnixNano()
	s.lastActivity.Store(now)
	s.lastPong.Store(now)
	s.pingID.Store("")
	return s
}

// ID returns the broker-assigned session id.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.identity.UserID }

// Tier returns the session's tier.
func (s *Session) Tier() tunnel.Tier { return s.identity.Tier }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason returns the close reason once closed.
func (s *Session) CloseReason() tunnel.Code { return s.closeReason }

// Serve runs the read, write, and heartbeat loops until the session closes.
// It blocks; callers run it in its own goroutine per connection.
func (s *Session) Serve(ctx context.Context) {
	go s.writeLoop()
	go s.heartbeatLoop(ctx)
	s.readLoop(ctx)
}

// Dispatch registers the request with the correlator and queues its frame.
// The returned pending completes on response, timeout, error frame, or
// session loss.
func (s *Session) Dispatch(ctx context.Context, req *protocol.HTTPRequest, deadline time.Time) (*correlator.Pending, error) {
	if s.State() != StateActive {
		return nil, tunnel.E(tunnel.CodeAgentOffline, "session is not active")
	}

	pending, err := s.correlator.Dispatch(s.identity.UserID, s.id, deadline, s.cfg.MaxChannels)
	if err != nil {
		return nil, err
	}

	req.Type = protocol.TypeHTTPRequest
	req.ID = pending.ID
	req.DeadlineMs = time.Until(deadline).Milliseconds()
	data, err := protocol.Encode(req, s.cfg.MaxFrameBytes)
	if err != nil {
		s.correlator.FailRequest(s.id, pending.ID, err.(*tunnel.Error))
		return nil, err
	}

	select {
	case s.writeCh <- data:
		return pending, nil
	case <-s.done:
		s.correlator.FailRequest(s.id, pending.ID, tunnel.E(tunnel.CodeSessionLost, "session closed during dispatch"))
		return nil, tunnel.E(tunnel.CodeSessionLost, "session closed during dispatch")
	case <-ctx.Done():
		s.correlator.FailRequest(s.id, pending.ID, tunnel.E(tunnel.CodeSessionLost, "caller cancelled during dispatch"))
		return nil, ctx.Err()
	}
}

// SendError queues an error frame (used for protocol-level notifications).
func (s *Session) SendError(id string, te *tunnel.Error) {
	data, err := protocol.Encode(protocol.NewError(id, te), s.cfg.MaxFrameBytes)
	if err != nil {
		return
	}
	select {
	case s.writeCh <- data:
	case <-s.done:
	default:
		// Writer saturated; the error frame is advisory, drop it.
	}
}

// Drain refuses new dispatches and waits up to the grace period for
// outstanding responses, then closes.
func (s *Session) Drain() {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		return
	}
	deadline := time.Now().Add(s.cfg.DrainGrace)
	for time.Now().Before(deadline) {
		if s.correlator.SessionLen(s.id) == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.Close(tunnel.CodeServerUnavailable)
}

// Close tears the session down exactly once with the given reason. Pending
// requests are failed synchronously with session_lost.
func (s *Session) Close(reason tunnel.Code) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		s.state.Store(int32(StateClosed))

		failed := s.correlator.FailSession(s.id, tunnel.CodeSessionLost)
		if failed > 0 {
			slog.Info("session closed with requests in flight",
				"session_id", s.id, "user_id", s.identity.UserID, "failed", failed, "reason", reason)
		}

		msg := websocket.FormatCloseMessage(closeStatus(reason), string(reason))
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()

		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// closeStatus maps a close reason to a WebSocket close status.
func closeStatus(reason tunnel.Code) int {
	switch reason {
	case tunnel.CodeBadFrame, tunnel.CodeFrameTooLarge, tunnel.CodeCrossSessionResponse:
		return websocket.CloseProtocolError
	case tunnel.CodeInternalError:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

// readLoop decodes frames and dispatches by type until the peer closes or a
// protocol violation occurs. A panic closes the session as internal_error.
func (s *Session) readLoop(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.LogAttrs(ctx, slog.LevelError, "session read loop panic",
				slog.Any("error", rec),
				slog.String("session_id", s.id),
			)
			s.Close(tunnel.CodeInternalError)
		}
	}()

	s.conn.SetReadLimit(int64(s.cfg.MaxFrameBytes))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosed {
				s.Close(tunnel.CodeSessionLost)
			}
			return
		}
		s.lastActivity.Store(time.Now().UnixNano())

		frameType, err := protocol.PeekType(data, s.cfg.MaxFrameBytes)
		if err != nil {
			switch tunnel.CodeOf(err) {
			case tunnel.CodeUnknownType:
				slog.Warn("unknown frame type ignored", "session_id", s.id)
				continue
			case tunnel.CodeFrameTooLarge:
				s.SendError("", tunnel.E(tunnel.CodeFrameTooLarge, "frame exceeds limit"))
				s.Close(tunnel.CodeFrameTooLarge)
			default:
				s.Close(tunnel.CodeBadFrame)
			}
			return
		}

		if violation := s.handleFrame(frameType, data); violation != nil {
			slog.Warn("protocol violation", "session_id", s.id, "error", violation)
			s.Close(tunnel.CodeOf(violation))
			return
		}
	}
}

// handleFrame processes one decoded frame. A non-nil return closes the
// session with the returned code.
func (s *Session) handleFrame(frameType string, data []byte) error {
	switch frameType {
	case protocol.TypeHTTPResponse:
		var resp protocol.HTTPResponse
		if err := protocol.Decode(data, &resp); err != nil {
			return err
		}
		_, violation := s.correlator.Resolve(s.id, resp.ID, &correlator.Response{
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    resp.Body,
		})
		return violation

	case protocol.TypePong:
		var pong protocol.Pong
		if err := protocol.Decode(data, &pong); err != nil {
			return err
		}
		if want, _ := s.pingID.Load().(string); want != "" && pong.ID == want {
			s.lastPong.Store(time.Now().UnixNano())
			s.pingID.Store("")
		}
		return nil

	case protocol.TypePing:
		var ping protocol.Ping
		if err := protocol.Decode(data, &ping); err != nil {
			return err
		}
		if data, err := protocol.Encode(protocol.NewPong(&ping), s.cfg.MaxFrameBytes); err == nil {
			select {
			case s.ctrlCh <- data:
			case <-s.done:
			}
		}
		return nil

	case protocol.TypeError:
		var ef protocol.Error
		if err := protocol.Decode(data, &ef); err != nil {
			return err
		}
		if ef.ID != "" {
			s.correlator.FailRequest(s.id, ef.ID, ef.AsTunnelError())
		} else {
			slog.Warn("agent error", "session_id", s.id, "code", ef.Code, "message", ef.Message)
		}
		return nil
	}
	return nil
}

// writeLoop is the session's single writer. Heartbeat frames on ctrlCh are
// drained ahead of application frames so a saturated writer cannot starve
// liveness checks.
func (s *Session) writeLoop() {
	for {
		// Priority drain of control frames.
		select {
		case data := <-s.ctrlCh:
			if !s.write(data) {
				return
			}
			continue
		default:
		}

		select {
		case data := <-s.ctrlCh:
			if !s.write(data) {
				return
			}
		case data := <-s.writeCh:
			if !s.write(data) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.Close(tunnel.CodeSessionLost)
		return false
	}
	return true
}

// heartbeatLoop sends pings on the interval and closes the session when a
// pong is overdue or the session has been idle past the idle timeout.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()

			if overdue := now.Sub(time.Unix(0, s.lastPong.Load())); overdue > s.cfg.PongTimeout {
				slog.Info("heartbeat timeout", "session_id", s.id, "overdue", overdue.Round(time.Second))
				s.Close(tunnel.CodeHeartbeatTimeout)
				return
			}
			if s.cfg.IdleTimeout > 0 && now.Sub(time.Unix(0, s.lastActivity.Load())) > s.cfg.IdleTimeout &&
				s.correlator.SessionLen(s.id) == 0 {
				slog.Info("idle session closed", "session_id", s.id)
				s.Close(tunnel.CodeSessionLost)
				return
			}

			ping := protocol.NewPing(uuid.Must(uuid.NewV7()).String())
			data, err := protocol.Encode(ping, s.cfg.MaxFrameBytes)
			if err != nil {
				continue
			}
			s.pingID.Store(ping.ID)
			select {
			case s.ctrlCh <- data:
			case <-s.done:
				return
			}

		case <-ctx.Done():
			s.Close(tunnel.CodeServerUnavailable)
			return
		case <-s.done:
			return
		}
	}
}
