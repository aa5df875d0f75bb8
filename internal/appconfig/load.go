package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("gateway.url", cfg.Gateway.URL)
	v.SetDefault("gateway.reconnect_base_delay_ms", cfg.Gateway.ReconnectBaseDelayMS)
	v.SetDefault("gateway.max_reconnect_attempts", cfg.Gateway.MaxReconnectAttempts)
	v.SetDefault("gateway.ping_interval_seconds", cfg.Gateway.PingIntervalSeconds)
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout_seconds", cfg.API.TimeoutSeconds)
	v.SetDefault("buffers.session_events", cfg.Buffers.SessionEvents)
	v.SetDefault("buffers.audit_events", cfg.Buffers.AuditEvents)
	v.SetDefault("status.file_ttl_seconds", cfg.Status.FileTTLSeconds)
	v.SetDefault("tabs.state_dir", cfg.Tabs.StateDir)
	v.SetDefault("init.retry_attempts", cfg.Init.RetryAttempts)
	v.SetDefault("init.retry_delay_ms", cfg.Init.RetryDelayMS)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateGatewayConfig(cfg.Gateway); err != nil {
		return Config{}, err
	}
	if err := validateAPIConfig(cfg.API); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateGatewayConfig(cfg GatewayConfig) error {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return fmt.Errorf("gateway.url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("gateway.url must include scheme and host (e.g. wss://example.com/ws)")
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("gateway.url scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if cfg.MaxReconnectAttempts < 0 {
		return fmt.Errorf("gateway.max_reconnect_attempts must not be negative")
	}
	return nil
}

func validateAPIConfig(cfg APIConfig) error {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url must include scheme and host (e.g. https://example.com)")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Gateway.URL = expandEnv(cfg.Gateway.URL)
	cfg.API.BaseURL = expandEnv(cfg.API.BaseURL)
	cfg.Tabs.StateDir = expandEnv(cfg.Tabs.StateDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
