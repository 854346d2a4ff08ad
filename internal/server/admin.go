package server

import (
	"encoding/json"
	"net/http"
	"time"

	tunnel "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/ratelimit"
)

// healthResponse is the body of GET /api/tunnel/health.
type healthResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ActiveConnections int    `json:"active_connections"`
	PendingRequests   int    `json:"pending_requests"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.deps.StartedAt).Seconds()),
		ActiveConnections: s.deps.Registry.Count(),
		PendingRequests:   s.deps.Correlator.Len(),
	}
	status := http.StatusOK
	// Degraded when the correlator is saturated; callers should back off.
	if s.deps.Correlator.Len() >= s.deps.Cfg.Tunnel.MaxPending {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// diagnosticsResponse is the admin JSON snapshot.
type diagnosticsResponse struct {
	ActiveConnections int                         `json:"active_connections"`
	ConnectionsByTier map[tunnel.Tier]int         `json:"connections_by_tier"`
	PendingRequests   int                         `json:"pending_requests"`
	CircuitBreakers   []circuitbreaker.Snapshot   `json:"circuit_breakers"`
	RateLimit         ratelimit.ViolationSnapshot `json:"rate_limit"`
	RecentErrors      []tunnel.UsageRecord        `json:"recent_errors,omitempty"`
}

// ErrorLister optionally serves recent failed requests from the usage store.
type ErrorLister interface {
	RecentErrors(limit int) []tunnel.UsageRecord
}

func (s *server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	resp := diagnosticsResponse{
		ActiveConnections: s.deps.Registry.Count(),
		ConnectionsByTier: s.deps.Registry.CountByTier(),
		PendingRequests:   s.deps.Correlator.Len(),
	}
	if s.deps.Breakers != nil {
		resp.CircuitBreakers = s.deps.Breakers.Snapshots()
	}
	if s.deps.RateLimiter != nil {
		resp.RateLimit = s.deps.RateLimiter.Snapshot()
	}
	if lister, ok := s.deps.Usage.(ErrorLister); ok {
		resp.RecentErrors = lister.RecentErrors(20)
	}
	writeJSON(w, http.StatusOK, resp)
}

// mutableConfig is the subset of configuration the admin surface exposes.
type mutableConfig struct {
	FreePerMin       *int64 `json:"free_per_min,omitempty"`
	PremiumPerMin    *int64 `json:"premium_per_min,omitempty"`
	EnterprisePerMin *int64 `json:"enterprise_per_min,omitempty"`
	IPPerMin         *int64 `json:"ip_per_min,omitempty"`
	RequestTimeoutMs *int64 `json:"request_timeout_ms,omitempty"`
	MaxChannels      *int   `json:"max_channels,omitempty"`
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.deps.Cfg
	writeJSON(w, http.StatusOK, map[string]any{
		"rate_limit": map[string]any{
			"free_per_min":       cfg.RateLimit.FreePerMin,
			"premium_per_min":    cfg.RateLimit.PremiumPerMin,
			"enterprise_per_min": cfg.RateLimit.EnterprisePerMin,
			"ip_per_min":         cfg.RateLimit.IPPerMin,
			"ban_duration_ms":    cfg.RateLimit.BanDuration.Milliseconds(),
		},
		"tunnel": map[string]any{
			"ping_interval_ms":      cfg.Tunnel.PingInterval.Milliseconds(),
			"pong_timeout_ms":       cfg.Tunnel.PongTimeout.Milliseconds(),
			"idle_timeout_ms":       cfg.Tunnel.IdleTimeout.Milliseconds(),
			"max_frame_bytes":       cfg.Tunnel.MaxFrameBytes,
			"max_body_bytes":        cfg.Tunnel.MaxBodyBytes,
			"max_channels":          cfg.Tunnel.MaxChannels,
			"request_timeout_ms":    cfg.Tunnel.RequestTimeout.Milliseconds(),
			"max_request_timeout_ms": cfg.Tunnel.MaxRequestTimeout.Milliseconds(),
		},
		"circuit": cfg.Circuit,
	})
}

// handlePutConfig applies a partial update to the mutable knobs. Updates are
// validated with the same rules as startup config.
func (s *server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var upd mutableConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&upd); err != nil {
		writeTunnelError(w, r.Context(), tunnel.E(tunnel.CodeConfiguration, "malformed config update"))
		return
	}

	s.mu.Lock()
	cfg := s.deps.Cfg
	next := *cfg
	if upd.FreePerMin != nil {
		next.RateLimit.FreePerMin = *upd.FreePerMin
	}
	if upd.PremiumPerMin != nil {
		next.RateLimit.PremiumPerMin = *upd.PremiumPerMin
	}
	if upd.EnterprisePerMin != nil {
		next.RateLimit.EnterprisePerMin = *upd.EnterprisePerMin
	}
	if upd.IPPerMin != nil {
		next.RateLimit.IPPerMin = *upd.IPPerMin
	}
	if upd.RequestTimeoutMs != nil {
		next.Tunnel.RequestTimeout = time.Duration(*upd.RequestTimeoutMs) * time.Millisecond
	}
	if upd.MaxChannels != nil {
		next.Tunnel.MaxChannels = *upd.MaxChannels
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		writeTunnelError(w, r.Context(), err)
		return
	}

	*cfg = next
	s.mu.Unlock()

	// New rate caps take effect on the next bucket creation; existing user
	// buckets are recreated lazily when their configured rate changes.
	if s.deps.RateLimiter != nil {
		s.deps.RateLimiter.SetLimits(next.RateLimit.TierPerMinute(), next.RateLimit.IPPerMin)
	}
	s.handleGetConfig(w, r)
}
