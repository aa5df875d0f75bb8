package schema

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConsoleConfig defines the knobs consumed by the reconciliation core.
type ConsoleConfig struct {
	GatewayURL           string
	APIBaseURL           string
	APITimeout           time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	SessionEventCap      int
	AuditEventCap        int
	FileStatusTTL        time.Duration
	StateDir             string
	InitRetryAttempts    int
	InitRetryDelay       time.Duration
}

// Defaults for ConsoleConfig.
const (
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 30 * time.Second
	DefaultSessionEventCap      = 5000
	DefaultAuditEventCap        = 1000
	DefaultFileStatusTTL        = 5 * time.Minute
	DefaultAPITimeout           = 15 * time.Second
	DefaultInitRetryAttempts    = 5
	DefaultInitRetryDelay       = 500 * time.Millisecond
)

// NormalizeConsoleConfig applies defaults and validates the config.
func NormalizeConsoleConfig(cfg ConsoleConfig) (ConsoleConfig, error) {
	cfg.GatewayURL = strings.TrimSpace(cfg.GatewayURL)
	if cfg.GatewayURL == "" {
		return ConsoleConfig{}, errors.New("gateway url is required")
	}
	parsed, err := url.Parse(cfg.GatewayURL)
	if err != nil || parsed.Host == "" {
		return ConsoleConfig{}, errors.New("gateway url must include scheme and host")
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return ConsoleConfig{}, errors.New("gateway url scheme must be ws or wss")
	}
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ConsoleConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".fleetconsole", "state")
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SessionEventCap <= 0 {
		cfg.SessionEventCap = DefaultSessionEventCap
	}
	if cfg.AuditEventCap <= 0 {
		cfg.AuditEventCap = DefaultAuditEventCap
	}
	if cfg.FileStatusTTL <= 0 {
		cfg.FileStatusTTL = DefaultFileStatusTTL
	}
	if cfg.InitRetryAttempts <= 0 {
		cfg.InitRetryAttempts = DefaultInitRetryAttempts
	}
	if cfg.InitRetryDelay <= 0 {
		cfg.InitRetryDelay = DefaultInitRetryDelay
	}
	return cfg, nil
}
