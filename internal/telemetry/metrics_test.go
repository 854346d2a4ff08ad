package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersAndCounts(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("ok").Inc()
	m.RequestsTotal.WithLabelValues("ok").Inc()
	m.RequestsTotal.WithLabelValues("upstream_timeout").Inc()
	m.ErrorsTotal.WithLabelValues("upstream").Inc()
	m.ActiveConnections.Inc()
	m.ConnectionsByTier.WithLabelValues("free").Inc()
	m.CircuitState.WithLabelValues("agent:u1").Set(1)
	m.RequestLatency.Observe(42)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("requests ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("active connections = %v", got)
	}

	// The exposition namespace is stable for dashboards.
	names, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range names {
		if strings.HasPrefix(mf.GetName(), "palantir_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("no palantir_ metrics gathered")
	}
}

func TestNewAgentMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewAgentMetrics(reg)

	m.ReconnectAttempts.Inc()
	m.ReconnectAttempts.Inc()
	m.QueueFill.Set(7)

	if got := testutil.ToFloat64(m.ReconnectAttempts); got != 2 {
		t.Errorf("reconnect attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueFill); got != 7 {
		t.Errorf("queue fill = %v, want 7", got)
	}
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("second registration must panic")
		}
	}()
	NewMetrics(reg)
}
