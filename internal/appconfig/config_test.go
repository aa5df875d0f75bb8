package appconfig

import (
	"testing"
	"time"
)

func TestDefaultConfigConvertsToConsoleConfig(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	console, err := cfg.ConsoleConfig()
	if err != nil {
		t.Fatalf("console config: %v", err)
	}
	if console.ReconnectBaseDelay != time.Second {
		t.Fatalf("expected 1s reconnect delay, got %v", console.ReconnectBaseDelay)
	}
	if console.MaxReconnectAttempts != 10 || console.SessionEventCap != 5000 || console.AuditEventCap != 1000 {
		t.Fatalf("unexpected defaults: %+v", console)
	}
	if console.FileStatusTTL != 5*time.Minute {
		t.Fatalf("expected 5m status ttl, got %v", console.FileStatusTTL)
	}
	if console.InitRetryAttempts != 5 || console.InitRetryDelay != 500*time.Millisecond {
		t.Fatalf("unexpected init retry: %d %v", console.InitRetryAttempts, console.InitRetryDelay)
	}
}
