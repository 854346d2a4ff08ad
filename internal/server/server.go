// Package server implements the broker's public HTTP surface: the tunnel
// proxy front, the WebSocket endpoint, and the operational endpoints.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/correlator"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/registry"
	"github.com/eugener/palantir/internal/telemetry"

	tunnel "github.com/eugener/palantir/internal"
)

// UsageRecorder records tunneled request usage asynchronously.
type UsageRecorder interface {
	Record(tunnel.UsageRecord)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        *auth.Validator
	Registry    *registry.Registry
	Correlator  *correlator.Table
	RateLimiter *ratelimit.Limiter
	Breakers    *circuitbreaker.Registry

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /api/tunnel/metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	Usage          UsageRecorder      // nil = no usage recording

	Cfg       *config.Config
	StartedAt time.Time
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.correlationID)
	r.Use(s.logging)
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// Operational endpoints
	r.Get("/api/tunnel/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		r.Handle("/api/tunnel/metrics", deps.MetricsHandler)
	}
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)
		r.Get("/api/tunnel/diagnostics", s.handleDiagnostics)
		r.Get("/api/tunnel/config", s.handleGetConfig)
		r.Put("/api/tunnel/config", s.handlePutConfig)
	})

	// Agent WebSocket endpoint (auth happens inside with its own budget)
	r.Get("/ws/tunnel", s.handleWebSocket)

	// Tunneled HTTP (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.HandleFunc("/api/tunnel/{userID}/*", s.handleTunnel)
		r.HandleFunc("/api/direct-proxy/{userID}/*", s.handleTunnel)
	})

	return r
}

type server struct {
	deps Deps

	// mu guards the mutable subset of deps.Cfg exposed via PUT /config.
	mu sync.RWMutex
}
