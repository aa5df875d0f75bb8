package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3+dirty"
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version without dirty suffix, got %q", got)
	}
	if got := CurrentWithDirty(); got != "v1.2.3+dirty" {
		t.Fatalf("expected dirty build version, got %q", got)
	}
}

func TestPseudoFromBuildInfo(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := &debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := pseudoFromBuildInfo(info)
	if got != "v0.0.0-20250102030405-1234567890ab+dirty" {
		t.Fatalf("unexpected pseudo version: %q", got)
	}
	if pseudoFromBuildInfo(nil) != "" {
		t.Fatalf("expected empty version for nil build info")
	}
}

func TestGetFallsBackWithoutBuildInfo(t *testing.T) {
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	t.Cleanup(func() { readBuildInfo = old })

	info := Get()
	if info.Module != defaultModule {
		t.Fatalf("expected default module, got %q", info.Module)
	}
	if info.Version != "v0.0.0-unknown" {
		t.Fatalf("expected unknown version, got %q", info.Version)
	}
	if !strings.Contains(info.String(), defaultModule) {
		t.Fatalf("expected module in string, got %q", info.String())
	}
}
