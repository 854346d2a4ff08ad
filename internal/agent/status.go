package agent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// statusResponse is the body of the agent's local /status endpoint.
type statusResponse struct {
	State     string `json:"state"`
	Attempt   int    `json:"attempt"`
	QueueFill int    `json:"queue_fill"`
	Broker    string `json:"broker"`
	Origin    string `json:"origin"`
}

// StatusHandler serves the agent's local status surface. metricsHandler,
// when non-nil, is mounted at /metrics for Prometheus scrapes.
func (a *Agent) StatusHandler(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if a.State() == StateConnected {
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(a.State().String()))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{
			State:     a.State().String(),
			Attempt:   a.Attempt(),
			QueueFill: a.QueueLen(),
			Broker:    a.cfg.BrokerURL,
			Origin:    a.cfg.LocalOrigin,
		})
	})
	return r
}
