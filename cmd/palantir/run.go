package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/correlator"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/registry"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	// Token validator.
	validator, err := auth.New(auth.Config{
		Secret:     []byte(cfg.Auth.Secret),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		TierClaim:  cfg.Auth.TierClaim,
		AdminClaim: cfg.Auth.AdminClaim,
	})
	if err != nil {
		return err
	}

	// Core registries.
	agents := registry.New()
	pending := correlator.New(cfg.Tunnel.MaxPending)

	// Rate limiter.
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.TierPerMinute = cfg.RateLimit.TierPerMinute()
	rlCfg.IPPerMinute = cfg.RateLimit.IPPerMin
	rlCfg.BanDuration = cfg.RateLimit.BanDuration
	rateLimiter := ratelimit.New(rlCfg)
	slog.Info("rate limits configured",
		"free_per_min", cfg.RateLimit.FreePerMin,
		"premium_per_min", cfg.RateLimit.PremiumPerMin,
		"enterprise_per_min", cfg.RateLimit.EnterprisePerMin,
		"ip_per_min", cfg.RateLimit.IPPerMin,
	)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// Circuit breakers, one per user agent, state exported as a gauge.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		ResetTimeout:     cfg.Circuit.ResetTimeout,
	}, func(name string, _, to circuitbreaker.State) {
		if metrics != nil {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			metrics.CircuitStateChanges.WithLabelValues(name, to.String()).Inc()
		}
		slog.Info("circuit state change", "upstream", name, "state", to)
	})

	// Usage store (optional).
	var usageRecorder *worker.UsageRecorder
	workers := []worker.Worker{}
	if cfg.Database.DSN != "" {
		store, storeErr := sqlite.New(cfg.Database.DSN)
		if storeErr != nil {
			return storeErr
		}
		defer store.Close()
		slog.Info("usage store opened", "dsn", cfg.Database.DSN)

		usageRecorder = worker.NewUsageRecorder(store)
		workers = append(workers, usageRecorder)
		workers = append(workers, worker.NewRetentionWorker(store, cfg.Database.Retention))
	}

	runner := worker.NewRunner(workers...)

	// OpenTelemetry tracing.
	ctx := context.Background()
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("palantir/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	// Create HTTP server
	deps := server.Deps{
		Auth:           validator,
		Registry:       agents,
		Correlator:     pending,
		RateLimiter:    rateLimiter,
		Breakers:       breakers,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		Cfg:            cfg,
		StartedAt:      time.Now(),
	}
	if usageRecorder != nil {
		deps.Usage = usageRecorder
	}
	handler := server.New(deps)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic sweep of stale rate-limit buckets and circuit breakers.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				cutoff := time.Now().Add(-1 * time.Hour)
				if n := rateLimiter.Sweep(cutoff); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
				if n := breakers.EvictStale(cutoff); n > 0 {
					slog.Info("circuit breaker eviction", "evicted", n)
				}
				if metrics != nil {
					metrics.PendingRequests.Set(float64(pending.Len()))
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("tunnel endpoints enabled",
		"endpoints", []string{
			"ANY  /api/tunnel/{user}/*",
			"ANY  /api/direct-proxy/{user}/*",
			"GET  /ws/tunnel",
			"GET  /api/tunnel/health",
		},
	)
	slog.Info("palantir ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then drain the WebSocket sessions, then the
	// workers so in-flight requests finish recording.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Shutdown does not cover hijacked WebSockets; drain them explicitly.
	agents.DrainAll()

	// Cancel workers and wait for drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("palantir stopped")
	return nil
}
