package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/correlator"
	"github.com/eugener/palantir/internal/protocol"
)

// timeoutHeader lets callers shorten or extend the per-request deadline,
// clamped to [1s, tunnel.max_request_timeout].
const timeoutHeader = "X-Timeout-Ms"

// handleTunnel serves ANY /api/tunnel/{userID}/* and
// /api/direct-proxy/{userID}/*: it authenticates tenancy, rate-limits,
// resolves the user's agent session, and forwards the request through the
// correlator.
func (s *server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	identity := tunnel.IdentityFromContext(ctx)
	pathUser := chi.URLParam(r, "userID")

	// Tenancy check before anything touches per-user state: the path owner
	// must be the token owner.
	if identity == nil || identity.UserID != pathUser {
		s.countError(tunnel.E(tunnel.CodeForbidden, ""))
		s.recordOutcome("forbidden", start, 0, 0)
		writeTunnelError(w, ctx, tunnel.E(tunnel.CodeForbidden, "token does not own this tunnel"))
		return
	}

	// Rate limit per user and source IP.
	if s.deps.RateLimiter != nil {
		var rlSpan trace.Span
		if s.deps.Tracer != nil {
			_, rlSpan = s.deps.Tracer.Start(ctx, "rate_limit.check")
		}
		res := s.deps.RateLimiter.Check(identity.UserID, identity.Tier, clientIP(r))
		if rlSpan != nil {
			rlSpan.End()
		}
		setRateLimitHeaders(w, res)
		if !res.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitViolations.Inc()
			}
			te := tunnel.E(res.Code, "rate limit exceeded")
			te.RetryAfter = time.Duration(res.RetryAfterSeconds * float64(time.Second))
			s.countError(te)
			s.recordOutcome(string(res.Code), start, 0, 0)
			writeTunnelError(w, ctx, te)
			return
		}
	}

	// Resolve the user's agent session.
	sess := s.deps.Registry.Resolve(identity.UserID)
	if sess == nil {
		s.countError(tunnel.E(tunnel.CodeAgentOffline, ""))
		s.recordOutcome("agent_offline", start, 0, 0)
		writeTunnelError(w, ctx, tunnel.E(tunnel.CodeAgentOffline, "no agent connected for this user"))
		return
	}

	// Strip the route prefix down to the origin-relative path.
	strippedPath, err := originPath(r, pathUser)
	if err != nil {
		s.countError(err)
		s.recordOutcome("path_traversal", start, 0, 0)
		writeTunnelError(w, ctx, err)
		return
	}

	// Bounded body read.
	body, err := readBody(r, s.deps.Cfg.Tunnel.MaxBodyBytes)
	if err != nil {
		s.countError(err)
		s.recordOutcome("frame_too_large", start, 0, 0)
		writeTunnelError(w, ctx, err)
		return
	}

	deadline := time.Now().Add(s.requestTimeout(r))

	var span trace.Span
	if s.deps.Tracer != nil {
		ctx, span = s.deps.Tracer.Start(ctx, "tunnel.forward_request",
			trace.WithAttributes(
				attribute.String("user_id", identity.UserID),
				attribute.String("method", r.Method),
			),
		)
		defer span.End()
	}

	req := &protocol.HTTPRequest{
		Method:  r.Method,
		Path:    strippedPath,
		Headers: protocol.SanitizeRequestHeaders(r.Header),
		Body:    body,
	}

	// The breaker protects the user's agent: a run of dispatch failures
	// fails fast instead of tying up waiters.
	var resp *correlator.Response
	op := func(opCtx context.Context) error {
		pending, dispatchErr := sess.Dispatch(opCtx, req, deadline)
		if dispatchErr != nil {
			return dispatchErr
		}
		out, waitErr := pending.Wait(opCtx)
		if waitErr != nil {
			return waitErr
		}
		resp = out
		return nil
	}

	var execErr error
	if s.deps.Breakers != nil {
		execErr = s.deps.Breakers.GetOrCreate("agent:" + identity.UserID).Execute(ctx, op)
	} else {
		execErr = op(ctx)
	}
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			execErr = tunnel.E(tunnel.CodeSessionLost, "caller disconnected")
		}
		s.countError(execErr)
		s.recordOutcome(string(tunnel.CodeOf(execErr)), start, int64(len(body)), 0)
		s.recordUsage(ctx, identity, r.Method, strippedPath, 0, string(tunnel.CodeOf(execErr)), int64(len(body)), 0, start)
		writeTunnelError(w, ctx, execErr)
		return
	}

	// Relay the tunneled response.
	for k, v := range protocol.SanitizeResponseHeaders(resp.Headers) {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)

	s.recordOutcome("ok", start, int64(len(body)), int64(len(resp.Body)))
	s.recordUsage(ctx, identity, r.Method, strippedPath, resp.Status, "ok", int64(len(body)), int64(len(resp.Body)), start)
}

// originPath strips the "/api/tunnel/{userID}" or "/api/direct-proxy/{userID}"
// prefix and rejects traversal: any decoded segment equal to ".." or
// containing NUL.
func originPath(r *http.Request, userID string) (string, error) {
	raw := chi.URLParam(r, "*")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", tunnel.E(tunnel.CodePathTraversal, "undecodable path")
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." || strings.ContainsRune(seg, 0) {
			return "", tunnel.E(tunnel.CodePathTraversal, "path traversal rejected")
		}
	}
	p := "/" + strings.TrimPrefix(decoded, "/")
	if q := r.URL.RawQuery; q != "" {
		p += "?" + q
	}
	return p, nil
}

// readBody reads at most maxBytes; one byte past the cap rejects the request.
func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, tunnel.Wrap(tunnel.CodeInternalError, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, tunnel.Ef(tunnel.CodeFrameTooLarge, "request body exceeds %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// requestTimeout resolves the per-request deadline from X-Timeout-Ms,
// clamped to the configured bounds.
func (s *server) requestTimeout(r *http.Request) time.Duration {
	s.mu.RLock()
	d := s.deps.Cfg.Tunnel.RequestTimeout
	limit := s.deps.Cfg.Tunnel.MaxRequestTimeout
	s.mu.RUnlock()
	if v := r.Header.Get(timeoutHeader); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			d = time.Duration(ms) * time.Millisecond
		}
	}
	if d < time.Second {
		d = time.Second
	}
	if d > limit {
		d = limit
	}
	return d
}

// clientIP extracts the source IP, honoring X-Forwarded-For from the edge.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recordOutcome updates the request counter and latency/throughput histograms.
func (s *server) recordOutcome(outcome string, start time.Time, bytesIn, bytesOut int64) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	s.deps.Metrics.RequestLatency.Observe(float64(time.Since(start).Milliseconds()))
	if bytesIn+bytesOut > 0 {
		s.deps.Metrics.ThroughputBytes.Observe(float64(bytesIn + bytesOut))
	}
}

// recordUsage hands one usage row to the async recorder.
func (s *server) recordUsage(ctx context.Context, identity *tunnel.Identity, method, path string, status int, outcome string, bytesIn, bytesOut int64, start time.Time) {
	if s.deps.Usage == nil {
		return
	}
	s.deps.Usage.Record(tunnel.UsageRecord{
		CorrelationID: tunnel.CorrelationIDFromContext(ctx),
		UserID:     identity.UserID,
		Tier:       identity.Tier,
		Method:     method,
		Path:       path,
		StatusCode: status,
		Outcome:    outcome,
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
		DurationMs: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now(),
	})
}
