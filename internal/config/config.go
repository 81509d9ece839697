package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. FLEETEXEC_WORKERS.
const Prefix = "FLEETEXEC"

type Settings struct {
	// Pool and connection settings
	MaxConnectionsPerHost    int           `envconfig:"MAX_CONNECTIONS_PER_HOST" default:"5"`
	ConnectTimeoutSeconds    int           `envconfig:"CONNECT_TIMEOUT_SECONDS" default:"30"`
	KeepaliveIntervalSeconds int           `envconfig:"KEEPALIVE_INTERVAL_SECONDS" default:"30"`
	CommandTimeoutSeconds    int           `envconfig:"COMMAND_TIMEOUT_SECONDS" default:"30"`
	AcquireTimeout           time.Duration `envconfig:"ACQUIRE_TIMEOUT" default:"30s"`
	ProbeTimeout             time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`
	Workers                  int           `envconfig:"WORKERS" default:"20"`
	IdleTimeout              time.Duration `envconfig:"IDLE_TIMEOUT" default:"10m"`
	ReaperSchedule           string        `envconfig:"REAPER_SCHEDULE" default:"@every 1m"`
	KnownHosts               string        `envconfig:"KNOWN_HOSTS" default:""`

	// Inventory
	InventoryPath string `envconfig:"INVENTORY_PATH" default:""`
	FernetKey     string `envconfig:"FERNET_KEY" default:""`

	// Audit log; disabled when DatabasePath is empty
	DatabasePath       string `envconfig:"DATABASE_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// HTTP API. Every /api/v1 request must carry "Authorization: Bearer
	// <APIToken>"; serve refuses to start without one.
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8080"`
	APIToken       string   `envconfig:"API_TOKEN" default:""`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
	LogPath        string   `envconfig:"LOG_PATH" default:""`
}

var Cfg Settings

// Load reads settings from the environment into Cfg.
func Load() error {
	s, err := Parse()
	if err != nil {
		return err
	}
	Cfg = s
	return nil
}

// Parse reads and validates settings from the environment without touching Cfg.
func Parse() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects values the pool cannot work with.
func (s Settings) Validate() error {
	switch {
	case s.MaxConnectionsPerHost <= 0:
		return fmt.Errorf("config: MAX_CONNECTIONS_PER_HOST must be positive, got %d", s.MaxConnectionsPerHost)
	case s.ConnectTimeoutSeconds <= 0:
		return fmt.Errorf("config: CONNECT_TIMEOUT_SECONDS must be positive, got %d", s.ConnectTimeoutSeconds)
	case s.KeepaliveIntervalSeconds < 0:
		return fmt.Errorf("config: KEEPALIVE_INTERVAL_SECONDS must not be negative, got %d", s.KeepaliveIntervalSeconds)
	case s.CommandTimeoutSeconds < 0:
		return fmt.Errorf("config: COMMAND_TIMEOUT_SECONDS must not be negative, got %d", s.CommandTimeoutSeconds)
	case s.Workers <= 0:
		return fmt.Errorf("config: WORKERS must be positive, got %d", s.Workers)
	}
	return nil
}

// ConnectTimeout returns the dial plus handshake bound.
func (s Settings) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// KeepaliveInterval returns the keepalive period. Zero disables keepalives,
// which host descriptors express as a negative interval.
func (s Settings) KeepaliveInterval() time.Duration {
	if s.KeepaliveIntervalSeconds == 0 {
		return -1
	}
	return time.Duration(s.KeepaliveIntervalSeconds) * time.Second
}

// CommandTimeout returns the default per-command timeout. Zero means none.
func (s Settings) CommandTimeout() time.Duration {
	return time.Duration(s.CommandTimeoutSeconds) * time.Second
}
