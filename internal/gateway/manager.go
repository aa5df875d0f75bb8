// Package gateway owns the single multiplexed websocket connection to the
// fleet gateway: connect, fan-out, reconnect with linear backoff.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateFailed is reported once when reconnection gives up.
	StateFailed State = "failed"
)

// maxBackoffStep caps the linear reconnect backoff multiplier.
const maxBackoffStep = 5

// ErrClosed indicates the manager was closed.
var ErrClosed = errors.New("gateway manager closed")

// StatusEvent reports a connection state change.
type StatusEvent struct {
	State   State
	Attempt int
	Err     error
}

// Handler receives every decoded inbound message.
type Handler func(msg schema.Message)

// StatusHandler receives connection state changes.
type StatusHandler func(event StatusEvent)

// Config configures a Manager.
type Config struct {
	URL          string
	BaseDelay    time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	Dialer       Dialer
	Logger       pslog.Logger
	// Cursor supplies the fleet audit cursor when reconnecting.
	Cursor func() int64
}

type stopper interface {
	Stop() bool
}

// Manager owns one gateway connection. All socket access goes through it.
type Manager struct {
	url          string
	baseDelay    time.Duration
	maxAttempts  int
	pingInterval time.Duration
	dialer       Dialer
	log          pslog.Logger
	cursor       func() int64
	after        func(time.Duration, func()) stopper

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	conn       Conn
	pingStop   context.CancelFunc
	attempt    int
	failed     bool
	closed     bool
	lastCursor int64
	timer      stopper
	nextID     int
	subs       map[int]Handler
	statusSubs map[int]StatusHandler

	writeMu sync.Mutex
}

// NewManager constructs a disconnected manager.
func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:          cfg.URL,
		baseDelay:    cfg.BaseDelay,
		maxAttempts:  cfg.MaxAttempts,
		pingInterval: cfg.PingInterval,
		dialer:       cfg.Dialer,
		log:          logx.Or(cfg.Logger).With("gateway", cfg.URL),
		cursor:       cfg.Cursor,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		subs:       make(map[int]Handler),
		statusSubs: make(map[int]StatusHandler),
	}
	if m.baseDelay <= 0 {
		m.baseDelay = schema.DefaultReconnectBaseDelay
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = schema.DefaultMaxReconnectAttempts
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer{}
	}
	return m
}

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// base * min(n, 5).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffStep {
		attempt = maxBackoffStep
	}
	return base * time.Duration(attempt)
}

// Connect opens the connection unless one is already open or opening. On
// open it subscribes to the fleet stream from cursor and requests the
// session list. A failed dial is handled like a close. Connecting after the
// manager gave up starts a fresh retry budget.
func (m *Manager) Connect(ctx context.Context, cursor int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.lastCursor = cursor
	if m.failed {
		m.attempt = 0
		m.failed = false
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	attempt := m.attempt
	m.mu.Unlock()
	m.notify(StatusEvent{State: StateConnecting, Attempt: attempt})

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	conn, err := m.dialer.Dial(dialCtx, m.url)
	stop()
	cancel()
	if err != nil {
		m.log.Warn("gateway dial failed", "attempt", attempt, "err", err)
		m.handleClose(nil, err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	pingCtx, pingStop := context.WithCancel(m.ctx)
	m.conn = conn
	m.pingStop = pingStop
	m.state = StateConnected
	m.attempt = 0
	m.failed = false
	m.mu.Unlock()

	m.log.Info("gateway connected", "cursor", cursor)
	m.notify(StatusEvent{State: StateConnected})
	go m.readLoop(conn)
	if m.pingInterval > 0 {
		go m.pingLoop(pingCtx, conn)
	}
	if err := m.writeJSON(conn, schema.NewFleetSubscribe(cursor)); err != nil {
		m.log.Warn("gateway subscribe failed", "err", err)
		return nil
	}
	if err := m.writeJSON(conn, schema.NewSessionsList()); err != nil {
		m.log.Warn("gateway sessions list failed", "err", err)
	}
	return nil
}

// Send writes msg as a JSON frame. It returns ErrNotConnected when no socket
// is open; nothing is queued.
func (m *Manager) Send(msg any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.log.Debug("gateway send skipped; not connected")
		return schema.ErrNotConnected
	}
	return m.writeJSON(conn, msg)
}

// Subscribe registers a message handler. The returned func unsubscribes; it
// does not close the socket, but a later drop is not reconnected once no
// subscribers remain.
func (m *Manager) Subscribe(h Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = h
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// SubscribeStatus registers a connection state listener.
func (m *Manager) SubscribeStatus(h StatusHandler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.statusSubs[id] = h
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.statusSubs, id)
			m.mu.Unlock()
		})
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of consecutive failed connection attempts.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Close cancels any pending reconnect and closes the socket.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	if m.pingStop != nil {
		m.pingStop()
		m.pingStop = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()
	m.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.log.Info("gateway closed")
	m.notify(StatusEvent{State: StateDisconnected, Err: ErrClosed})
	return err
}

func (m *Manager) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		msg, err := schema.DecodeMessage(data)
		if err != nil {
			m.log.Warn("gateway frame dropped", "err", err, "bytes", len(data))
			continue
		}
		m.log.Trace("gateway frame", "type", msg.Type)
		m.deliver(msg)
	}
}

func (m *Manager) deliver(msg schema.Message) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subs[id])
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (m *Manager) notify(event StatusEvent) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.statusSubs))
	for id := range m.statusSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]StatusHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.statusSubs[id])
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

// handleClose runs for dial failures (conn nil) and read errors alike.
func (m *Manager) handleClose(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	if m.pingStop != nil {
		m.pingStop()
		m.pingStop = nil
	}
	var delay time.Duration
	gaveUp := false
	if !m.closed && len(m.subs) > 0 {
		m.attempt++
		if m.attempt > m.maxAttempts {
			if !m.failed {
				m.failed = true
				gaveUp = true
			}
		} else {
			delay = ReconnectDelay(m.baseDelay, m.attempt)
			m.timer = m.after(delay, m.reconnect)
		}
	}
	attempt := m.attempt
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.log.Info("gateway disconnected", "err", cause)
	}
	m.notify(StatusEvent{State: StateDisconnected, Attempt: attempt, Err: cause})
	switch {
	case gaveUp:
		m.log.Error("gateway reconnect gave up", "attempts", attempt-1)
		m.notify(StatusEvent{State: StateFailed, Attempt: attempt, Err: schema.ErrConnectFailed})
	case delay > 0:
		m.log.Info("gateway reconnect scheduled", "attempt", attempt, "delay", delay)
	}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.closed || len(m.subs) == 0 {
		m.mu.Unlock()
		return
	}
	cursor := m.lastCursor
	m.mu.Unlock()
	if m.cursor != nil {
		cursor = m.cursor()
	}
	_ = m.Connect(m.ctx, cursor)
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.conn
			m.mu.Unlock()
			if current != conn {
				return
			}
			if err := m.writeJSON(conn, schema.NewPing()); err != nil {
				m.log.Debug("gateway ping failed", "err", err)
				return
			}
		}
	}
}

func (m *Manager) writeJSON(conn Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
