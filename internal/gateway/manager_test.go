package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/fleetconsole/schema"
)

type fakeConn struct {
	in     chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no conn")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordedTimer struct {
	delay time.Duration
	fire  func()
}

func (*recordedTimer) Stop() bool { return true }

type timerLog struct {
	mu     sync.Mutex
	timers []*recordedTimer
}

func (l *timerLog) after(d time.Duration, f func()) stopper {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &recordedTimer{delay: d, fire: f}
	l.timers = append(l.timers, t)
	return t
}

func (l *timerLog) snapshot() []*recordedTimer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*recordedTimer(nil), l.timers...)
}

func newTestManager(dialer Dialer, maxAttempts int) (*Manager, *timerLog) {
	m := NewManager(Config{
		URL:         "ws://gateway.test/ws",
		BaseDelay:   100 * time.Millisecond,
		MaxAttempts: maxAttempts,
		Dialer:      dialer,
	})
	timers := &timerLog{}
	m.after = timers.after
	return m, timers
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReconnectDelayBackoff(t *testing.T) {
	base := 250 * time.Millisecond
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := ReconnectDelay(base, attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		if d > base*5 {
			t.Fatalf("attempt %d: delay %v above cap", attempt, d)
		}
		prev = d
	}
	for attempt := 6; attempt <= 20; attempt++ {
		if d := ReconnectDelay(base, attempt); d != base*5 {
			t.Fatalf("attempt %d: expected cap %v, got %v", attempt, base*5, d)
		}
	}
}

func TestConnectSendsSubscribeAndListOnce(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	m, _ := newTestManager(dialer, 3)
	defer m.Close()

	if err := m.Connect(context.Background(), 42); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(context.Background(), 42); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if dialer.count() != 1 {
		t.Fatalf("expected a single dial, got %d", dialer.count())
	}
	writes := conn.written()
	if len(writes) != 2 {
		t.Fatalf("expected 2 frames, got %v", writes)
	}
	var sub schema.FleetSubscribeRequest
	if err := json.Unmarshal([]byte(writes[0]), &sub); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	if sub.Type != schema.MsgFleetSubscribe || sub.FromEventID != 42 {
		t.Fatalf("unexpected subscribe frame: %s", writes[0])
	}
	if !strings.Contains(writes[1], `"sessions.list"`) {
		t.Fatalf("unexpected second frame: %s", writes[1])
	}
	if m.State() != StateConnected {
		t.Fatalf("expected connected, got %s", m.State())
	}
}

func TestMalformedFrameDoesNotStopDelivery(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(&fakeDialer{conns: []*fakeConn{conn}}, 3)
	defer m.Close()
	got := make(chan schema.Message, 4)
	unsubscribe := m.Subscribe(func(msg schema.Message) { got <- msg })
	defer unsubscribe()
	if err := m.Connect(context.Background(), 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.in <- []byte("{not json")
	conn.in <- []byte(`{"no_type":true}`)
	conn.in <- []byte(`{"type":"pong","ts":"2026-01-01T00:00:00Z"}`)
	select {
	case msg := <-got:
		if msg.Type != schema.MsgPong {
			t.Fatalf("expected pong, got %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for valid frame")
	}
	if len(got) != 0 {
		t.Fatalf("expected malformed frames dropped")
	}
}

func TestDropSchedulesReconnectOnlyWithSubscribers(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	m, timers := newTestManager(dialer, 3)
	m.cursor = func() int64 { return 99 }
	defer m.Close()

	var statusMu sync.Mutex
	var states []State
	m.SubscribeStatus(func(ev StatusEvent) {
		statusMu.Lock()
		states = append(states, ev.State)
		statusMu.Unlock()
	})
	unsubscribe := m.Subscribe(func(schema.Message) {})
	if err := m.Connect(context.Background(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = first.Close()
	waitFor(t, func() bool { return len(timers.snapshot()) == 1 })
	if d := timers.snapshot()[0].delay; d != 100*time.Millisecond {
		t.Fatalf("expected first delay 100ms, got %v", d)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}

	timers.snapshot()[0].fire()
	if m.State() != StateConnected {
		t.Fatalf("expected reconnected, got %s", m.State())
	}
	writes := second.written()
	if len(writes) == 0 || !strings.Contains(writes[0], `"from_event_id":99`) {
		t.Fatalf("expected resume from cursor 99, got %v", writes)
	}
	if m.Attempt() != 0 {
		t.Fatalf("expected attempt counter reset, got %d", m.Attempt())
	}

	unsubscribe()
	_ = second.Close()
	waitFor(t, func() bool { return m.State() == StateDisconnected })
	time.Sleep(20 * time.Millisecond)
	if n := len(timers.snapshot()); n != 1 {
		t.Fatalf("expected no reconnect without subscribers, got %d timers", n)
	}
	statusMu.Lock()
	defer statusMu.Unlock()
	if len(states) == 0 || states[0] != StateConnecting {
		t.Fatalf("unexpected status sequence: %v", states)
	}
}

func TestReconnectGivesUpAfterCeiling(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m, timers := newTestManager(dialer, 3)
	defer m.Close()
	m.Subscribe(func(schema.Message) {})
	failures := 0
	m.SubscribeStatus(func(ev StatusEvent) {
		if ev.State == StateFailed {
			failures++
			if !errors.Is(ev.Err, schema.ErrConnectFailed) {
				t.Errorf("expected ErrConnectFailed, got %v", ev.Err)
			}
		}
	})

	if err := m.Connect(context.Background(), 0); err == nil {
		t.Fatalf("expected dial error")
	}
	for i := 0; i < 10; i++ {
		all := timers.snapshot()
		if i >= len(all) {
			break
		}
		all[i].fire()
	}
	all := timers.snapshot()
	if len(all) != 3 {
		t.Fatalf("expected 3 scheduled retries, got %d", len(all))
	}
	for i, timer := range all {
		want := time.Duration(i+1) * 100 * time.Millisecond
		if timer.delay != want {
			t.Fatalf("retry %d: expected %v, got %v", i+1, want, timer.delay)
		}
	}
	if failures != 1 {
		t.Fatalf("expected terminal failure surfaced once, got %d", failures)
	}
	if dialer.count() != 4 {
		t.Fatalf("expected 4 dials, got %d", dialer.count())
	}
}

func TestConnectAfterGiveUpRestartsRetries(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m, timers := newTestManager(dialer, 3)
	defer m.Close()
	m.Subscribe(func(schema.Message) {})
	var mu sync.Mutex
	failures := 0
	m.SubscribeStatus(func(ev StatusEvent) {
		if ev.State == StateFailed {
			mu.Lock()
			failures++
			mu.Unlock()
		}
	})

	_ = m.Connect(context.Background(), 0)
	for i := 0; i < len(timers.snapshot()); i++ {
		timers.snapshot()[i].fire()
	}
	if got := len(timers.snapshot()); got != 3 {
		t.Fatalf("expected 3 retries before giving up, got %d", got)
	}

	if err := m.Connect(context.Background(), 0); err == nil {
		t.Fatalf("expected dial error")
	}
	all := timers.snapshot()
	if len(all) != 4 {
		t.Fatalf("expected explicit connect to schedule a retry, got %d timers", len(all))
	}
	if all[3].delay != 100*time.Millisecond {
		t.Fatalf("expected retry budget restarted at base delay, got %v", all[3].delay)
	}
	if m.Attempt() != 1 {
		t.Fatalf("expected attempt counter restarted, got %d", m.Attempt())
	}

	for i := 3; i < len(timers.snapshot()); i++ {
		timers.snapshot()[i].fire()
	}
	mu.Lock()
	defer mu.Unlock()
	if failures != 2 {
		t.Fatalf("expected one terminal failure per exhausted budget, got %d", failures)
	}
}

func TestSendWhenNotConnected(t *testing.T) {
	m, _ := newTestManager(&fakeDialer{}, 1)
	defer m.Close()
	if err := m.Send(schema.NewPing()); !errors.Is(err, schema.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("down")}
	m, timers := newTestManager(dialer, 5)
	m.Subscribe(func(schema.Message) {})
	_ = m.Connect(context.Background(), 0)
	if len(timers.snapshot()) != 1 {
		t.Fatalf("expected a scheduled reconnect")
	}
	_ = m.Close()
	timers.snapshot()[0].fire()
	if dialer.count() != 1 {
		t.Fatalf("expected no dial after close, got %d", dialer.count())
	}
	if err := m.Connect(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSlotReusesManager(t *testing.T) {
	slot := NewSlot(Config{URL: "ws://gateway.test/ws", Dialer: &fakeDialer{}})
	first := slot.Acquire()
	if second := slot.Acquire(); second != first {
		t.Fatalf("expected the same manager on reacquire")
	}
	if err := slot.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := slot.Current(); ok {
		t.Fatalf("expected empty slot after reset")
	}
	if third := slot.Acquire(); third == first {
		t.Fatalf("expected a fresh manager after reset")
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.status","session_id":"s1","status":"working"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	m := NewManager(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Dialer: WebsocketDialer{}})
	defer m.Close()
	got := make(chan schema.Message, 1)
	m.Subscribe(func(msg schema.Message) { got <- msg })
	if err := m.Connect(context.Background(), 5); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case msg := <-got:
		var status schema.SessionStatusMessage
		if err := msg.Decode(&status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status.SessionID != "s1" || status.Status != schema.LiveWorking {
			t.Fatalf("unexpected status: %+v", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for server frame")
	}
	first := <-received
	if !strings.Contains(first, `"fleet.subscribe"`) || !strings.Contains(first, `"from_event_id":5`) {
		t.Fatalf("unexpected first frame: %s", first)
	}
}
