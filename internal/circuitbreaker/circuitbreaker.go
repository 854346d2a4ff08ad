// Package circuitbreaker implements a per-upstream circuit breaker. It
// short-circuits calls to a known-bad dependency, reducing failure latency
// from seconds (timeout + network) to nanoseconds (state check).
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	SuccessThreshold int           // consecutive half-open successes to close
	ResetTimeout     time.Duration // time in OPEN before probing
	MaxProbes        int           // concurrent probes allowed in HALF_OPEN
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		MaxProbes:        1,
	}
}

// StateChangeFunc observes state transitions (for metrics).
type StateChangeFunc func(name string, from, to State)

// Breaker is a per-upstream circuit breaker state machine.
type Breaker struct {
	mu        sync.Mutex
	name      string
	state     State
	failures  int // consecutive failures while closed
	successes int // consecutive successes while half-open
	probes    int // probes in flight while half-open
	openedAt  time.Time
	changedAt time.Time
	lastErr   error
	lastUsed  time.Time

	cfg      Config
	onChange StateChangeFunc
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(name string, cfg Config, onChange StateChangeFunc) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	return &Breaker{
		name:      name,
		state:     StateClosed,
		cfg:       cfg,
		onChange:  onChange,
		lastUsed:  time.Now(),
		changedAt: time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker. When the circuit is open it fails fast
// with server_unavailable carrying the remaining reset time.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	switch {
	case err == nil:
		b.recordSuccess()
	case CountsAsFailure(err):
		b.recordFailure(err)
	default:
		b.releaseProbe()
	}
	return err
}

// releaseProbe returns a half-open probe slot without counting the call as
// a success or a failure.
func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// allow admits or rejects a call per the state machine.
func (b *Breaker) allow() error {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen, now)
			b.probes = 1
			return nil
		}
		te := tunnel.Ef(tunnel.CodeServerUnavailable, "circuit %q open", b.name)
		te.RetryAfter = b.cfg.ResetTimeout - now.Sub(b.openedAt)
		return te
	case StateHalfOpen:
		if b.probes < b.cfg.MaxProbes {
			b.probes++
			return nil
		}
		te := tunnel.Ef(tunnel.CodeServerUnavailable, "circuit %q half-open, probe in flight", b.name)
		te.RetryAfter = time.Second
		return te
	}
	return tunnel.Ef(tunnel.CodeInternalError, "circuit %q in unknown state", b.name)
}

func (b *Breaker) recordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probes--
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed, now)
		}
	}
}

func (b *Breaker) recordFailure(err error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.lastErr = err

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		b.probes--
		b.transition(StateOpen, now)
	}
}

// transition moves to the new state and resets per-state counters.
// Caller holds mu.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.changedAt = now
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = now
	}
	if to != StateHalfOpen {
		b.probes = 0
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

// Snapshot is a read-only view for diagnostics.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Snapshot returns the breaker's current state for diagnostics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:      b.name,
		State:     b.state.String(),
		Failures:  b.failures,
		ChangedAt: b.changedAt,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}
