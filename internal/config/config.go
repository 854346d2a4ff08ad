// Package config handles YAML configuration loading with environment
// variable expansion for the broker and the agent.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	tunnel "github.com/eugener/palantir/internal"
)

// Config is the top-level broker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	Secret     string `yaml:"secret"`      // HMAC secret for bearer tokens
	Issuer     string `yaml:"issuer"`      // expected iss claim
	Audience   string `yaml:"audience"`    // expected aud claim
	TierClaim  string `yaml:"tier_claim"`  // namespaced claim carrying the tier
	AdminClaim string `yaml:"admin_claim"` // namespaced claim marking admins
}

// TunnelConfig holds the wire-level and session-level knobs.
type TunnelConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxFrameBytes     int           `yaml:"max_frame_bytes"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	MaxChannels       int           `yaml:"max_channels"` // per-session outstanding requests
	MaxPending        int           `yaml:"max_pending"`  // correlator table bound
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRequestTimeout time.Duration `yaml:"max_request_timeout"` // X-Timeout-Ms clamp
	AuthBudget        time.Duration `yaml:"auth_budget"`         // handshake auth deadline
	DrainGrace        time.Duration `yaml:"drain_grace"`
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	FreePerMin       int64         `yaml:"free_per_min"`
	PremiumPerMin    int64         `yaml:"premium_per_min"`
	EnterprisePerMin int64         `yaml:"enterprise_per_min"`
	IPPerMin         int64         `yaml:"ip_per_min"`
	BanDuration      time.Duration `yaml:"ban_duration"`
}

// CircuitConfig holds circuit breaker settings.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DatabaseConfig holds the usage store settings.
type DatabaseConfig struct {
	DSN       string        `yaml:"dsn"`       // file path or ":memory:"; empty disables usage recording
	Retention time.Duration `yaml:"retention"` // usage rows older than this are pruned
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the broker defaults applied before unmarshal.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TierClaim:  "tier",
			AdminClaim: "admin",
		},
		Tunnel: TunnelConfig{
			PingInterval:      30 * time.Second,
			PongTimeout:       45 * time.Second,
			IdleTimeout:       5 * time.Minute,
			MaxFrameBytes:     1 << 20,
			MaxBodyBytes:      10 << 20,
			MaxChannels:       10,
			MaxPending:        10_000,
			RequestTimeout:    30 * time.Second,
			MaxRequestTimeout: 2 * time.Minute,
			AuthBudget:        5 * time.Second,
			DrainGrace:        10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			FreePerMin:       60,
			PremiumPerMin:    300,
			EnterprisePerMin: 1000,
			IPPerMin:         200,
			BanDuration:      15 * time.Minute,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
		Database: DatabaseConfig{
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load reads and parses a YAML broker config, expanding environment
// variables and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return tunnel.E(tunnel.CodeConfiguration, "auth.secret is required")
	}
	return c.Tunnel.Validate()
}

// Validate enforces the heartbeat and size invariants.
func (t *TunnelConfig) Validate() error {
	if t.PingInterval <= 0 || t.PongTimeout <= 0 {
		return tunnel.E(tunnel.CodeConfiguration, "ping_interval and pong_timeout must be positive")
	}
	// The pong timeout must exceed the ping interval by at least 50%, or a
	// single delayed pong kills a healthy session.
	if float64(t.PongTimeout) < 1.5*float64(t.PingInterval) {
		return tunnel.Ef(tunnel.CodeConfiguration,
			"pong_timeout %s must be at least 1.5x ping_interval %s", t.PongTimeout, t.PingInterval)
	}
	if t.MaxFrameBytes <= 0 {
		return tunnel.E(tunnel.CodeConfiguration, "max_frame_bytes must be positive")
	}
	if t.MaxChannels <= 0 {
		return tunnel.E(tunnel.CodeConfiguration, "max_channels must be positive")
	}
	if t.RequestTimeout <= 0 || t.MaxRequestTimeout < t.RequestTimeout {
		return tunnel.E(tunnel.CodeConfiguration, "request timeouts are inconsistent")
	}
	return nil
}

// TierPerMinute converts the rate limit config to the limiter's map form.
func (r RateLimitConfig) TierPerMinute() map[tunnel.Tier]int64 {
	return map[tunnel.Tier]int64{
		tunnel.TierFree:       r.FreePerMin,
		tunnel.TierPremium:    r.PremiumPerMin,
		tunnel.TierEnterprise: r.EnterprisePerMin,
	}
}
