package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	tunnel "github.com/eugener/palantir/internal"
)

// AgentConfig is the top-level agent configuration.
type AgentConfig struct {
	BrokerURL   string `yaml:"broker_url"`   // wss://... /ws/tunnel
	LocalOrigin string `yaml:"local_origin"` // http://127.0.0.1:<port>

	Token TokenConfig `yaml:"token"`

	Profile   string          `yaml:"profile"` // stable | unstable | low-bandwidth
	Reconnect ReconnectConfig `yaml:"reconnect"`

	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // local-origin call budget

	Queue QueueConfig `yaml:"queue"`

	StatusAddr string `yaml:"status_addr"` // local status surface; empty disables
}

// TokenConfig carries either a static bearer or client-credentials refresh.
type TokenConfig struct {
	Bearer string `yaml:"bearer"` // static token

	// Client-credentials refresh; used when set and on token_expired closes.
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// ReconnectConfig overrides the selected profile's backoff parameters.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// QueueConfig bounds the agent-side request queue.
type QueueConfig struct {
	Limit        int           `yaml:"limit"`
	TTL          time.Duration `yaml:"ttl"`
	SnapshotPath string        `yaml:"snapshot_path"`
}

// Profile tuples: (base delay, max delay, attempt cap, queue size).
var profiles = map[string]struct {
	base      time.Duration
	max       time.Duration
	attempts  int
	queueSize int
}{
	"stable":        {1 * time.Second, 30 * time.Second, 10, 50},
	"unstable":      {500 * time.Millisecond, 60 * time.Second, 20, 100},
	"low-bandwidth": {2 * time.Second, 2 * time.Minute, 30, 200},
}

// DefaultAgent returns the agent defaults applied before unmarshal.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		BrokerURL:      "wss://localhost:8080/ws/tunnel",
		LocalOrigin:    "http://127.0.0.1:11434",
		Profile:        "stable",
		PingInterval:   30 * time.Second,
		PongTimeout:    45 * time.Second,
		MaxFrameBytes:  1 << 20,
		RequestTimeout: 30 * time.Second,
		Queue: QueueConfig{
			TTL:          5 * time.Minute,
			SnapshotPath: "palantir-agent-queue.json",
		},
	}
}

// LoadAgent reads and parses a YAML agent config.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	data = expandEnv(data)

	cfg := DefaultAgent()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies the selected profile and rejects inconsistent settings.
func (c *AgentConfig) Validate() error {
	p, ok := profiles[c.Profile]
	if !ok {
		return tunnel.Ef(tunnel.CodeConfiguration, "unknown profile %q", c.Profile)
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = p.base
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = p.max
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = p.attempts
	}
	if c.Queue.Limit == 0 {
		c.Queue.Limit = p.queueSize
	}
	if c.Token.Bearer == "" && c.Token.TokenURL == "" {
		return tunnel.E(tunnel.CodeConfiguration, "token.bearer or token.token_url is required")
	}
	if float64(c.PongTimeout) < 1.5*float64(c.PingInterval) {
		return tunnel.Ef(tunnel.CodeConfiguration,
			"pong_timeout %s must be at least 1.5x ping_interval %s", c.PongTimeout, c.PingInterval)
	}
	return nil
}
