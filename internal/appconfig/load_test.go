package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
gateway:
  url: wss://fleet.example.com/ws
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: wss://fleet.example.com/ws
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing config_version error, got %v", err)
	}
}

func TestLoadRejectsNonWebsocketGatewayURL(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
gateway:
  url: https://fleet.example.com/ws
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "gateway.url") {
		t.Fatalf("expected gateway url error, got %v", err)
	}
}

func TestLoadRejectsInvalidAPIBaseURL(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
gateway:
  url: wss://fleet.example.com/ws
api:
  base_url: example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "api.base_url") {
		t.Fatalf("expected base_url error, got %v", err)
	}
}

func TestLoadAppliesOverridesAndDefaults(t *testing.T) {
	t.Setenv("FLEET_STATE", "/srv/fleet")
	path := writeConfig(t, `
config_version: 1
gateway:
  url: wss://fleet.example.com/ws
  max_reconnect_attempts: 3
buffers:
  session_events: 200
tabs:
  state_dir: $FLEET_STATE/tabs
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.MaxReconnectAttempts != 3 || cfg.Buffers.SessionEvents != 200 {
		t.Fatalf("expected overrides, got %+v", cfg)
	}
	if cfg.Gateway.ReconnectBaseDelayMS != 1000 || cfg.Buffers.AuditEvents != 1000 {
		t.Fatalf("expected defaults kept, got %+v", cfg)
	}
	if cfg.Tabs.StateDir != "/srv/fleet/tabs" {
		t.Fatalf("expected expanded state dir, got %q", cfg.Tabs.StateDir)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("expected default version, got %d", cfg.ConfigVersion)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
