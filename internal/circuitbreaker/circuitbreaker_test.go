package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

func testCfg() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		MaxProbes:        1,
	}
}

var errUpstream = tunnel.E(tunnel.CodeUpstreamError, "origin exploded")

func failOp(context.Context) error { return errUpstream }
func okOp(context.Context) error   { return nil }

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker("origin", testCfg(), nil)
	ctx := context.Background()

	for i := range 3 {
		if err := b.Execute(ctx, failOp); !errors.Is(err, errUpstream) {
			t.Fatalf("failure %d: err = %v", i+1, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Open circuit fails fast without running the op.
	ran := false
	err := b.Execute(ctx, func(context.Context) error { ran = true; return nil })
	if ran {
		t.Error("op must not run while the circuit is open")
	}
	if !tunnel.IsCode(err, tunnel.CodeServerUnavailable) {
		t.Errorf("err = %v, want server_unavailable", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker("origin", testCfg(), nil)
	ctx := context.Background()

	b.Execute(ctx, failOp)
	b.Execute(ctx, failOp)
	b.Execute(ctx, okOp) // breaks the run
	b.Execute(ctx, failOp)
	b.Execute(ctx, failOp)

	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures must not trip the breaker, state = %s", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	b := NewBreaker("origin", testCfg(), nil)
	ctx := context.Background()

	for range 3 {
		b.Execute(ctx, failOp)
	}
	time.Sleep(60 * time.Millisecond)

	// First probe succeeds; breaker stays half-open until successThreshold.
	if err := b.Execute(ctx, okOp); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if err := b.Execute(ctx, okOp); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after %d successes", b.State(), testCfg().SuccessThreshold)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker("origin", testCfg(), nil)
	ctx := context.Background()

	for range 3 {
		b.Execute(ctx, failOp)
	}
	time.Sleep(60 * time.Millisecond)

	b.Execute(ctx, failOp)
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open after half-open failure", b.State())
	}
}

func TestBreaker_CallerErrorsDoNotCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker("origin", testCfg(), nil)
	ctx := context.Background()

	authErr := tunnel.E(tunnel.CodeForbidden, "not yours")
	for range 5 {
		b.Execute(ctx, func(context.Context) error { return authErr })
	}
	if b.State() != StateClosed {
		t.Errorf("caller-caused failures must not trip the breaker, state = %s", b.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	t.Parallel()
	var transitions []string
	b := NewBreaker("origin", testCfg(), func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})
	ctx := context.Background()

	for range 3 {
		b.Execute(ctx, failOp)
	}
	time.Sleep(60 * time.Millisecond)
	b.Execute(ctx, okOp)
	b.Execute(ctx, okOp)

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCountsAsFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"caller cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"upstream", tunnel.E(tunnel.CodeUpstreamError, ""), true},
		{"network", tunnel.E(tunnel.CodeConnectionRefused, ""), true},
		{"session lost", tunnel.E(tunnel.CodeSessionLost, ""), true},
		{"forbidden", tunnel.E(tunnel.CodeForbidden, ""), false},
		{"rate limit", tunnel.E(tunnel.CodeRateLimitExceeded, ""), false},
		{"bad frame", tunnel.E(tunnel.CodeBadFrame, ""), false},
		{"plain", errors.New("boom"), true},
	}
	for _, tt := range tests {
		if got := CountsAsFailure(tt.err); got != tt.want {
			t.Errorf("%s: CountsAsFailure = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testCfg(), nil)

	a := r.GetOrCreate("agent:u1")
	if r.GetOrCreate("agent:u1") != a {
		t.Error("GetOrCreate must return the same breaker for a key")
	}
	if r.Get("agent:u2") != nil {
		t.Error("Get must return nil for unknown keys")
	}

	r.GetOrCreate("agent:u2")
	if snaps := r.Snapshots(); len(snaps) != 2 {
		t.Errorf("snapshots = %d, want 2", len(snaps))
	}

	if n := r.EvictStale(time.Now().Add(time.Minute)); n != 2 {
		t.Errorf("evicted = %d, want 2", n)
	}
}
