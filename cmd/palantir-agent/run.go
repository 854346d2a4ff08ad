package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/palantir/internal/agent"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/telemetry"
)

func run(configPath string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting palantir-agent",
		"version", version,
		"broker", cfg.BrokerURL,
		"origin", cfg.LocalOrigin,
		"profile", cfg.Profile,
	)

	// Agent metrics, scraped from the local status surface.
	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewAgentMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	a, err := agent.New(cfg, metrics)
	if err != nil {
		return err
	}

	// Local status surface.
	if cfg.StatusAddr != "" {
		statusSrv := &http.Server{Addr: cfg.StatusAddr, Handler: a.StatusHandler(metricsHandler)}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("status server failed", "error", err)
			}
		}()
		defer statusSrv.Close()
		slog.Info("status surface enabled", "addr", cfg.StatusAddr)
	}

	// State-change narration.
	go func() {
		for ev := range a.Events {
			if ev.Err != nil {
				slog.Info("tunnel state", "state", ev.State, "attempt", ev.Attempt, "error", ev.Err)
			} else {
				slog.Info("tunnel state", "state", ev.State, "attempt", ev.Attempt)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	defer stop()

	err = a.Run(ctx)
	a.Close()
	if err != nil {
		return err
	}
	slog.Info("palantir-agent stopped")
	return nil
}
