package dispatch

import (
	"errors"
	"os"
	"testing"
	"time"

	"pkt.systems/fleetconsole/internal/eventbus"
	"pkt.systems/fleetconsole/internal/gateway"
	"pkt.systems/fleetconsole/internal/jobs"
	"pkt.systems/fleetconsole/internal/persist"
	"pkt.systems/fleetconsole/internal/tabs"
	"pkt.systems/fleetconsole/internal/timeline"
	"pkt.systems/fleetconsole/schema"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	targets := NewTargets(100, 10)
	targets.Jobs = jobs.NewController(jobs.Deps{})
	manager, err := tabs.NewManager(tabs.Deps{})
	if err != nil {
		t.Fatalf("tabs: %v", err)
	}
	targets.Tabs = manager
	targets.Bus = eventbus.New(nil)
	return New(targets, nil, nil)
}

func frame(t *testing.T, raw string) schema.Message {
	t.Helper()
	msg, err := schema.DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

func TestDispatchSequencesOutOfOrderEvents(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(frame(t, `{"type":"event","session_id":"s1","seq":2,"ts":"2026-01-01T00:00:02Z","event":{"type":"tool","phase":"post","tool_name":"Bash","ok":true}}`))
	d.Dispatch(frame(t, `{"type":"event","session_id":"s1","seq":1,"ts":"2026-01-01T00:00:01Z","event":{"type":"tool","phase":"pre","tool_name":"Bash"}}`))
	d.Dispatch(frame(t, `{"type":"event","session_id":"s1","seq":3,"event":{"type":"bogus"}}`))

	events := d.Targets().Events.Events("s1")
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("unexpected buffer: %+v", events)
	}
	items := timeline.Group(events)
	if len(items) != 1 || !items[0].(timeline.ToolGroup).Complete() {
		t.Fatalf("expected one completed tool group, got %+v", items)
	}
}

func TestDispatchIgnoresUnknownAndMalformed(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(schema.Message{Type: "mystery.kind", Raw: []byte(`{"type":"mystery.kind"}`)})
	d.Dispatch(schema.Message{Type: schema.MsgSessionsUpdated, Raw: []byte(`{"type":"sessions.updated","session":5}`)})
	d.Dispatch(frame(t, `{"type":"sessions.updated","session":{"session_id":"s1","status":"idle"}}`))
	if _, ok := d.Targets().Sessions.Get("s1"); !ok {
		t.Fatalf("expected later valid frame applied")
	}
}

func TestDispatchSessionLifecycle(t *testing.T) {
	d := newTestDispatcher(t)
	events, cancel := d.Targets().Bus.Subscribe("")
	defer cancel()

	d.Dispatch(frame(t, `{"type":"sessions.snapshot","sessions":[{"session_id":"a","status":"working"},{"session_id":"b","status":"idle"}]}`))
	d.Dispatch(frame(t, `{"type":"session.status","session_id":"a","status":"waiting"}`))
	d.Dispatch(frame(t, `{"type":"session.status","session_id":"zzz","status":"waiting"}`))
	d.Dispatch(frame(t, `{"type":"sessions.discovered","session":{"session_id":"c","status":"working"}}`))
	d.Dispatch(frame(t, `{"type":"sessions.removed","session_id":"b"}`))

	sessions := d.Targets().Sessions
	if a, _ := sessions.Get("a"); a.Status != schema.LiveWaiting {
		t.Fatalf("expected a waiting, got %s", a.Status)
	}
	if _, ok := sessions.Get("zzz"); ok {
		t.Fatalf("status update must not create sessions")
	}
	if _, ok := sessions.Get("b"); ok {
		t.Fatalf("expected b removed")
	}
	if len(sessions.List()) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions.List()))
	}

	d.Dispatch(frame(t, `{"type":"sessions.snapshot","sessions":[{"session_id":"c","status":"idle"}]}`))
	if _, ok := sessions.Get("a"); ok {
		t.Fatalf("expected snapshot to replace the set")
	}
	if len(events) == 0 {
		t.Fatalf("expected change notifications")
	}
}

func TestDispatchJobs(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(frame(t, `{"type":"job.started","job_id":"j1","request_id":"r1","job_type":"briefing"}`))
	d.Dispatch(frame(t, `{"type":"job.stream","job_id":"j1","chunk":{"type":"text","text":"hello"}}`))
	d.Dispatch(frame(t, `{"type":"job.completed","job_id":"j1","ok":false,"error":"model overloaded"}`))
	d.Dispatch(frame(t, `{"type":"job.stream","job_id":"j1","chunk":{"type":"text","text":"late"}}`))

	job, err := d.Targets().Jobs.Get("j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != schema.JobFailed || job.Error != "model overloaded" || len(job.Chunks) != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestDispatchFleetAuditAndErrors(t *testing.T) {
	d := newTestDispatcher(t)
	d.Dispatch(frame(t, `{"type":"fleet.event","event":{"event_id":7,"event_type":"briefing.added","ts":"2026-01-01T00:00:00Z"}}`))
	d.Dispatch(frame(t, `{"type":"fleet.event","event":{"event_id":7,"event_type":"briefing.added"}}`))
	d.Dispatch(frame(t, `{"type":"error","code":"bad_request","message":"unknown session"}`))
	d.Dispatch(frame(t, `{"type":"pong","ts":"2026-01-01T00:00:05Z"}`))
	d.Dispatch(frame(t, `{"type":"commander.state","state":{"status":"working","prompt_count":3}}`))
	d.Dispatch(frame(t, `{"type":"commander.stdout","seq":1,"event":{"type":"stdout","data":"hi"}}`))

	targets := d.Targets()
	if targets.Audit.Cursor() != 7 || len(targets.Audit.Events()) != 1 {
		t.Fatalf("unexpected audit state: cursor %d events %d", targets.Audit.Cursor(), len(targets.Audit.Events()))
	}
	if last, ok := targets.LastError.Get(); !ok || last.Message != "unknown session" {
		t.Fatalf("unexpected last error: %+v", last)
	}
	if pong, ok := targets.LastPong.Get(); !ok || !pong.Equal(time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)) {
		t.Fatalf("unexpected pong: %v", pong)
	}
	if state, _ := targets.Commander.Get(); state.Status != schema.CommanderWorking || state.PromptCount != 3 {
		t.Fatalf("unexpected commander state: %+v", state)
	}
	if targets.Events.Len(schema.CommanderSessionID) != 1 {
		t.Fatalf("expected commander timeline event")
	}
}

func TestDispatchSegmentRotated(t *testing.T) {
	d := newTestDispatcher(t)
	tab, _, err := d.Targets().Tabs.CreateOrGet("/work/demo", "tab-1")
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}
	d.Dispatch(frame(t, `{"type":"tab.segment_rotated","tab_id":"tab-1","segment":{"session_id":"s1","reason":"startup","started_at":"2026-01-01T00:00:00Z"}}`))
	d.Dispatch(frame(t, `{"type":"tab.segment_rotated","tab_id":"tab-1","segment":{"session_id":"s2","reason":"compact","trigger":"auto","started_at":"2026-01-01T01:00:00Z"}}`))
	got, err := d.Targets().Tabs.Get(tab.ID)
	if err != nil {
		t.Fatalf("get tab: %v", err)
	}
	if len(got.Segments) != 2 || got.SessionID() != "s2" {
		t.Fatalf("unexpected tab: %+v", got)
	}
}

func TestDispatchSegmentRotatedDoesNoIO(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	manager, err := tabs.NewManager(tabs.Deps{Store: store, Profile: "p"})
	if err != nil {
		t.Fatalf("tabs: %v", err)
	}
	if _, _, err := manager.CreateOrGet("/work/demo", "tab-1"); err != nil {
		t.Fatalf("create tab: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("clear state dir: %v", err)
	}
	targets := NewTargets(10, 10)
	targets.Tabs = manager
	d := New(targets, nil, nil)

	d.Dispatch(frame(t, `{"type":"tab.segment_rotated","tab_id":"tab-1","segment":{"session_id":"s1","reason":"startup","started_at":"2026-01-01T00:00:00Z"}}`))
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dispatch to leave the state dir untouched, stat err=%v", err)
	}
	if got, err := manager.Get("tab-1"); err != nil || got.SessionID() != "s1" {
		t.Fatalf("expected rotation applied in memory, got %+v err=%v", got, err)
	}
	if !manager.Dirty() {
		t.Fatalf("expected tabs marked dirty")
	}
}

func TestConnectionEventRecordsTerminalFailure(t *testing.T) {
	d := newTestDispatcher(t)
	d.Targets().ConnectionEvent(gateway.StatusEvent{State: gateway.StateDisconnected, Err: errors.New("eof")})
	if _, ok := d.Targets().LastError.Get(); ok {
		t.Fatalf("plain disconnect must not set last error")
	}
	d.Targets().ConnectionEvent(gateway.StatusEvent{State: gateway.StateFailed, Err: schema.ErrConnectFailed})
	if last, ok := d.Targets().LastError.Get(); !ok || last.Code != "connect_failed" {
		t.Fatalf("expected connect failure recorded, got %+v", last)
	}
}
