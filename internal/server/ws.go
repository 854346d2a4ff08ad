package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/registry"
	"github.com/eugener/palantir/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; cross-origin policy does not apply here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket terminates GET /ws/tunnel: it validates the bearer within
// the auth budget, enforces the tier session cap, upgrades, and runs the
// session until close.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var span trace.Span
	if s.deps.Tracer != nil {
		ctx, span = s.deps.Tracer.Start(ctx, "websocket.connection")
		defer span.End()
	}

	// Authentication with its own budget; a hung verifier must not hold the
	// handshake open.
	authCtx, cancel := context.WithTimeout(ctx, s.deps.Cfg.Tunnel.AuthBudget)
	identity, err := s.authenticateWS(authCtx, r)
	cancel()
	if err != nil {
		s.countError(err)
		writeTunnelError(w, ctx, err)
		return
	}
	if span != nil {
		span.SetAttributes(attribute.String("user_id", identity.UserID), attribute.String("tier", string(identity.Tier)))
	}

	// Rate-limit handshakes like any other request.
	if s.deps.RateLimiter != nil {
		res := s.deps.RateLimiter.Check(identity.UserID, identity.Tier, clientIP(r))
		if !res.Allowed {
			setRateLimitHeaders(w, res)
			s.countError(tunnel.E(res.Code, ""))
			writeTunnelError(w, ctx, tunnel.E(res.Code, "rate limit exceeded"))
			return
		}
	}

	// Enforce the tier session cap before paying for the upgrade.
	if got, cap := s.deps.Registry.UserSessionCount(identity.UserID), identity.Tier.SessionCap(); got >= cap {
		te := tunnel.Ef(tunnel.CodeServerUnavailable,
			"session limit reached: tier %s allows %d concurrent sessions", identity.Tier, cap)
		s.countError(te)
		writeTunnelError(w, ctx, te)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its error response.
		slog.Warn("websocket upgrade failed", "error", err, "user_id", identity.UserID)
		return
	}

	sessCfg := session.Config{
		PingInterval:  s.deps.Cfg.Tunnel.PingInterval,
		PongTimeout:   s.deps.Cfg.Tunnel.PongTimeout,
		IdleTimeout:   s.deps.Cfg.Tunnel.IdleTimeout,
		MaxFrameBytes: s.deps.Cfg.Tunnel.MaxFrameBytes,
		MaxChannels:   s.deps.Cfg.Tunnel.MaxChannels,
		DrainGrace:    s.deps.Cfg.Tunnel.DrainGrace,
	}

	var handle registry.Handle
	sess := session.New(conn, *identity, s.deps.Correlator, s.deps.Metrics, sessCfg, func(closed *session.Session) {
		s.deps.Registry.Unregister(handle)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ActiveConnections.Dec()
			s.deps.Metrics.ConnectionsByTier.WithLabelValues(string(identity.Tier)).Dec()
		}
		slog.Info("session closed",
			"session_id", closed.ID(),
			"user_id", identity.UserID,
			"reason", closed.CloseReason(),
		)
	})

	handle, err = s.deps.Registry.Register(sess)
	if err != nil {
		// Raced another handshake past the pre-check; reject cleanly.
		s.countError(err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(tunnel.CodeOf(err)))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveConnections.Inc()
		s.deps.Metrics.ConnectionsByTier.WithLabelValues(string(identity.Tier)).Inc()
	}
	slog.Info("agent connected",
		"session_id", sess.ID(),
		"user_id", identity.UserID,
		"tier", identity.Tier,
	)

	// Serve blocks for the connection lifetime. Use a background context so
	// the session outlives the HTTP handler's request context; shutdown is
	// driven by Drain/Close from the run loop.
	sess.Serve(context.WithoutCancel(ctx))
}

// authenticateWS validates the bearer on the upgrade request. Auth timeouts
// surface as auth failures, not internal errors.
func (s *server) authenticateWS(ctx context.Context, r *http.Request) (*tunnel.Identity, error) {
	bearer, err := auth.ExtractBearer(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	type result struct {
		identity *tunnel.Identity
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		id, verr := s.deps.Auth.Validate(ctx, bearer)
		ch <- result{id, verr}
	}()

	select {
	case res := <-ch:
		return res.identity, res.err
	case <-ctx.Done():
		return nil, tunnel.E(tunnel.CodeTokenInvalid, "authentication timed out")
	}
}
