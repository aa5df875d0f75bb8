package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/fleetconsole/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Gateway       GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	API           APIConfig     `mapstructure:"api" yaml:"api"`
	Buffers       BuffersConfig `mapstructure:"buffers" yaml:"buffers"`
	Status        StatusConfig  `mapstructure:"status" yaml:"status"`
	Tabs          TabsConfig    `mapstructure:"tabs" yaml:"tabs"`
	Init          InitConfig    `mapstructure:"init" yaml:"init"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// GatewayConfig configures the multiplexed event channel.
type GatewayConfig struct {
	URL                  string `mapstructure:"url" yaml:"url"`
	ReconnectBaseDelayMS int    `mapstructure:"reconnect_base_delay_ms" yaml:"reconnect_base_delay_ms"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	PingIntervalSeconds  int    `mapstructure:"ping_interval_seconds" yaml:"ping_interval_seconds"`
}

// APIConfig configures the request/response collaborator.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// BuffersConfig bounds the in-memory event buffers.
type BuffersConfig struct {
	SessionEvents int `mapstructure:"session_events" yaml:"session_events"`
	AuditEvents   int `mapstructure:"audit_events" yaml:"audit_events"`
}

// StatusConfig controls status resolution.
type StatusConfig struct {
	FileTTLSeconds int `mapstructure:"file_ttl_seconds" yaml:"file_ttl_seconds"`
}

// TabsConfig controls tab persistence.
type TabsConfig struct {
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// InitConfig controls retry of tab and session initialization.
type InitConfig struct {
	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelayMS  int `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home: %w", err)
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Gateway: GatewayConfig{
			URL:                  "ws://127.0.0.1:8080/ws",
			ReconnectBaseDelayMS: int(schema.DefaultReconnectBaseDelay / time.Millisecond),
			MaxReconnectAttempts: schema.DefaultMaxReconnectAttempts,
			PingIntervalSeconds:  int(schema.DefaultPingInterval / time.Second),
		},
		API: APIConfig{
			BaseURL:        "http://127.0.0.1:8080",
			TimeoutSeconds: int(schema.DefaultAPITimeout / time.Second),
		},
		Buffers: BuffersConfig{
			SessionEvents: schema.DefaultSessionEventCap,
			AuditEvents:   schema.DefaultAuditEventCap,
		},
		Status: StatusConfig{
			FileTTLSeconds: int(schema.DefaultFileStatusTTL / time.Second),
		},
		Tabs: TabsConfig{
			StateDir: filepath.Join(home, ".fleetconsole", "state"),
		},
		Init: InitConfig{
			RetryAttempts: schema.DefaultInitRetryAttempts,
			RetryDelayMS:  int(schema.DefaultInitRetryDelay / time.Millisecond),
		},
	}, nil
}

// DefaultConfigPath returns the default config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".fleetconsole", "config.yaml"), nil
}

// ConsoleConfig converts the file representation into the normalized
// configuration consumed by the console.
func (c Config) ConsoleConfig() (schema.ConsoleConfig, error) {
	return schema.NormalizeConsoleConfig(schema.ConsoleConfig{
		GatewayURL:           c.Gateway.URL,
		APIBaseURL:           c.API.BaseURL,
		APITimeout:           time.Duration(c.API.TimeoutSeconds) * time.Second,
		ReconnectBaseDelay:   time.Duration(c.Gateway.ReconnectBaseDelayMS) * time.Millisecond,
		MaxReconnectAttempts: c.Gateway.MaxReconnectAttempts,
		PingInterval:         time.Duration(c.Gateway.PingIntervalSeconds) * time.Second,
		SessionEventCap:      c.Buffers.SessionEvents,
		AuditEventCap:        c.Buffers.AuditEvents,
		FileStatusTTL:        time.Duration(c.Status.FileTTLSeconds) * time.Second,
		StateDir:             c.Tabs.StateDir,
		InitRetryAttempts:    c.Init.RetryAttempts,
		InitRetryDelay:       time.Duration(c.Init.RetryDelayMS) * time.Millisecond,
	})
}
