package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/fleetconsole/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("gateway")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing snapshot")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	started := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	ended := started.Add(time.Hour)
	snapshot := ConsoleSnapshot{
		Tabs: []schema.TabSnapshot{
			{
				ID:       "tab1",
				RootPath: "/work/demo",
				Segments: []schema.Segment{
					{SessionID: "sess-1", StartedAt: started, EndedAt: &ended, Reason: schema.SegmentStartup},
					{SessionID: "sess-2", StartedAt: ended, Reason: schema.SegmentCompact, Trigger: schema.TriggerAuto},
				},
				ActiveIndex:    1,
				CreatedAt:      started,
				LastActivityAt: ended,
			},
		},
		AuditCursor: 42,
	}
	if err := store.Save("gateway", snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load("gateway")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if !reflect.DeepEqual(snapshot, got) {
		t.Fatalf("snapshot mismatch:\nwant: %+v\ngot:  %+v", snapshot, got)
	}
	info, err := os.Stat(filepath.Join(dir, "gateway.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := filepath.Join(dir, "gateway.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load("gateway"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestProfileForURL(t *testing.T) {
	if got := ProfileForURL("wss://fleet.example.com:8443/ws/"); got != "fleet.example.com_8443_ws" {
		t.Fatalf("unexpected profile: %q", got)
	}
}
