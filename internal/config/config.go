package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the top-level fengni node configuration.
type Config struct {
	Role      string    `yaml:"role"` // "client" | "server"
	Secret    string    `yaml:"secret"`
	Listen    string    `yaml:"listen"`
	Connect   string    `yaml:"connect"`
	Transport Transport `yaml:"transport"`
	Session   Session   `yaml:"session"`
	TLS       TLS       `yaml:"tls"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Transport selects and tunes the QUIC carrier.
type Transport struct {
	Datagrams        bool          `yaml:"datagrams"`
	Enable0RTT       bool          `yaml:"enable_0rtt"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxIdleTimeout   time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod  time.Duration `yaml:"keepalive_period"`
}

// Session tunes epoch rotation, the frame codec, the FEC control
// channel and desync recovery.
type Session struct {
	EpochLifetime time.Duration `yaml:"epoch_lifetime"`
	EpochMaxBytes uint64        `yaml:"epoch_max_bytes"`
	EpochGrace    time.Duration `yaml:"epoch_grace"`

	LayoutCount   int    `yaml:"layout_count"`
	PaddingBound  int    `yaml:"padding_bound"`
	PaddingScheme string `yaml:"padding_scheme"` // "random" | "fixed" | "burst"
	Compress      bool   `yaml:"compress"`
	WindowSize    int    `yaml:"window_size"`

	FECDataShards  int           `yaml:"fec_data_shards"`
	FECParityMin   int           `yaml:"fec_parity_min"`
	FECParityMax   int           `yaml:"fec_parity_max"`
	FECBlockDelay  time.Duration `yaml:"fec_block_delay"`
	FECBlockExpiry time.Duration `yaml:"fec_block_expiry"`

	ResyncEvidenceThreshold int           `yaml:"resync_evidence_threshold"`
	ResyncEvidenceWindow    time.Duration `yaml:"resync_evidence_window"`
	ResyncProbeRetries      int           `yaml:"resync_probe_retries"`
	ResyncProbeTimeout      time.Duration `yaml:"resync_probe_timeout"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// TLS carries certificate material for the QUIC handshake.
type TLS struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Metrics configures the observability endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads, defaults and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Transport.HandshakeTimeout <= 0 {
		c.Transport.HandshakeTimeout = 8 * time.Second
	}
	if c.Transport.MaxIdleTimeout <= 0 {
		c.Transport.MaxIdleTimeout = 45 * time.Second
	}
	if c.Transport.KeepAlivePeriod <= 0 {
		c.Transport.KeepAlivePeriod = 15 * time.Second
	}

	s := &c.Session
	if s.EpochLifetime <= 0 {
		s.EpochLifetime = 5 * time.Minute
	}
	if s.EpochMaxBytes == 0 {
		s.EpochMaxBytes = 256 << 20
	}
	if s.EpochGrace <= 0 {
		s.EpochGrace = 10 * time.Second
	}
	if s.LayoutCount <= 0 {
		s.LayoutCount = 8
	}
	if s.PaddingBound <= 0 {
		s.PaddingBound = 255
	}
	if s.PaddingScheme == "" {
		s.PaddingScheme = "random"
	}
	if s.WindowSize <= 0 {
		s.WindowSize = 1024
	}
	if s.FECDataShards <= 0 {
		s.FECDataShards = 4
	}
	if s.FECParityMin <= 0 {
		s.FECParityMin = 2
	}
	if s.FECParityMax <= 0 {
		s.FECParityMax = 6
	}
	if s.FECBlockDelay <= 0 {
		s.FECBlockDelay = 50 * time.Millisecond
	}
	if s.FECBlockExpiry <= 0 {
		s.FECBlockExpiry = 5 * time.Second
	}
	if s.ResyncEvidenceThreshold <= 0 {
		s.ResyncEvidenceThreshold = 5
	}
	if s.ResyncEvidenceWindow <= 0 {
		s.ResyncEvidenceWindow = 10 * time.Second
	}
	if s.ResyncProbeRetries <= 0 {
		s.ResyncProbeRetries = 5
	}
	if s.ResyncProbeTimeout <= 0 {
		s.ResyncProbeTimeout = 2 * time.Second
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 5 * time.Second
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Role) {
	case "client":
		if c.Connect == "" {
			return fmt.Errorf("config: client role requires connect address")
		}
		if c.Listen == "" {
			return fmt.Errorf("config: client role requires local listen address")
		}
	case "server":
		if c.Listen == "" {
			return fmt.Errorf("config: server role requires listen address")
		}
		if c.Connect == "" {
			return fmt.Errorf("config: server role requires upstream connect address")
		}
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return fmt.Errorf("config: server role requires tls cert and key")
		}
	default:
		return fmt.Errorf("config: role must be client or server, got %q", c.Role)
	}
	if len(c.Secret) < 16 {
		return fmt.Errorf("config: secret must be at least 16 bytes")
	}

	s := &c.Session
	switch s.PaddingScheme {
	case "random", "fixed", "burst":
	default:
		return fmt.Errorf("config: unknown padding scheme %q", s.PaddingScheme)
	}
	if s.LayoutCount > 8 {
		return fmt.Errorf("config: layout_count above 8 has no effect, got %d", s.LayoutCount)
	}
	if s.FECDataShards > 20 {
		return fmt.Errorf("config: fec_data_shards capped at 20, got %d", s.FECDataShards)
	}
	if s.FECParityMax > 10 {
		return fmt.Errorf("config: fec_parity_max capped at 10, got %d", s.FECParityMax)
	}
	if s.FECParityMin > s.FECParityMax {
		return fmt.Errorf("config: fec_parity_min %d exceeds fec_parity_max %d",
			s.FECParityMin, s.FECParityMax)
	}
	if s.EpochGrace >= s.EpochLifetime {
		return fmt.Errorf("config: epoch_grace must be shorter than epoch_lifetime")
	}
	return nil
}
