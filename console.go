package fleetconsole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pkt.systems/fleetconsole/internal/apiclient"
	"pkt.systems/fleetconsole/internal/dispatch"
	"pkt.systems/fleetconsole/internal/eventbus"
	"pkt.systems/fleetconsole/internal/gateway"
	"pkt.systems/fleetconsole/internal/initguard"
	"pkt.systems/fleetconsole/internal/jobs"
	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/internal/persist"
	"pkt.systems/fleetconsole/internal/status"
	"pkt.systems/fleetconsole/internal/statusfile"
	"pkt.systems/fleetconsole/internal/tabs"
	"pkt.systems/fleetconsole/internal/timeline"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// Deps captures optional collaborators for a Console.
type Deps struct {
	// Dialer overrides the websocket dialer.
	Dialer gateway.Dialer
	// HTTPClient overrides the API client's transport.
	HTTPClient *http.Client
	Logger     pslog.Logger
	Now        func() time.Time
	// Ephemeral keeps tabs in memory only.
	Ephemeral bool
}

// SessionView pairs a tracked session with its resolved status.
type SessionView struct {
	Session schema.TrackedSession
	Status  status.Effective
}

// Console composes the reconciliation core: one gateway connection feeding
// the dispatcher, plus the tab, job and status components reading from it.
type Console struct {
	cfg        schema.ConsoleConfig
	log        pslog.Logger
	slot       *gateway.Slot
	targets    *dispatch.Targets
	dispatcher *dispatch.Dispatcher
	resolver   *status.Resolver
	tabs       *tabs.Manager
	jobs       *jobs.Controller
	guard      *initguard.Guard
	api        *apiclient.Client
	bus        *eventbus.Bus

	mu         sync.Mutex
	mounts     int
	unsubs     []func()
	flushTimer *time.Timer
	flushDelay time.Duration
}

// tabFlushDelay debounces writes of tab rotations recorded by dispatch.
const tabFlushDelay = time.Second

// New constructs a Console. Nothing connects until Mount.
func New(cfg schema.ConsoleConfig, deps Deps) (*Console, error) {
	normalized, err := schema.NormalizeConsoleConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	log := logx.Or(deps.Logger)

	c := &Console{
		cfg:        cfg,
		log:        log,
		resolver:   status.NewResolver(cfg.FileStatusTTL),
		bus:        eventbus.New(log),
		flushDelay: tabFlushDelay,
	}
	if deps.Now != nil {
		c.resolver.Now = deps.Now
	}
	c.targets = dispatch.NewTargets(cfg.SessionEventCap, cfg.AuditEventCap)
	c.targets.Bus = c.bus

	var store *persist.Store
	if !deps.Ephemeral {
		store, err = persist.NewStoreWithLogger(cfg.StateDir, log)
		if err != nil {
			return nil, fmt.Errorf("tab store: %w", err)
		}
	}
	c.tabs, err = tabs.NewManager(tabs.Deps{
		Store:       store,
		Profile:     persist.ProfileForURL(cfg.GatewayURL),
		AuditCursor: c.targets.Audit.Cursor,
		Logger:      log,
		Now:         deps.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("load tabs: %w", err)
	}
	c.targets.Audit.SetCursor(c.tabs.LoadedAuditCursor())
	c.targets.Tabs = c.tabs

	c.jobs = jobs.NewController(jobs.Deps{Sender: c, Logger: log})
	c.targets.Jobs = c.jobs
	c.dispatcher = dispatch.New(c.targets, dispatch.DefaultRegistry(), log)

	c.slot = gateway.NewSlot(gateway.Config{
		URL:          cfg.GatewayURL,
		BaseDelay:    cfg.ReconnectBaseDelay,
		MaxAttempts:  cfg.MaxReconnectAttempts,
		PingInterval: cfg.PingInterval,
		Dialer:       deps.Dialer,
		Logger:       log,
		Cursor:       c.targets.Audit.Cursor,
	})
	c.guard = initguard.New(initguard.Config{
		Attempts: cfg.InitRetryAttempts,
		Delay:    cfg.InitRetryDelay,
		Logger:   log,
	})
	if cfg.APIBaseURL != "" {
		c.api, err = apiclient.New(apiclient.Config{
			BaseURL:    cfg.APIBaseURL,
			HTTPClient: deps.HTTPClient,
			Timeout:    cfg.APITimeout,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Mount attaches a consumer to the shared connection and connects if needed.
// The returned func detaches the consumer; the connection stays open while
// other consumers remain mounted and keeps reconnecting only for them.
func (c *Console) Mount(ctx context.Context) (func(), error) {
	m := c.slot.Acquire()
	c.mu.Lock()
	c.mounts++
	if c.mounts == 1 {
		c.unsubs = []func(){
			m.Subscribe(c.dispatch),
			m.SubscribeStatus(c.targets.ConnectionEvent),
		}
	}
	c.mu.Unlock()

	var once sync.Once
	unmount := func() { once.Do(c.unmount) }
	if err := m.Connect(ctx, c.targets.Audit.Cursor()); err != nil {
		if errors.Is(err, gateway.ErrClosed) {
			unmount()
			return nil, err
		}
		// Dial failures are retried by the manager; state changes reach the bus.
		c.log.Debug("console connect pending", "err", err)
	}
	return unmount, nil
}

// dispatch routes one inbound message and schedules a flush of any tab
// state the handlers recorded in memory.
func (c *Console) dispatch(msg schema.Message) {
	c.dispatcher.Dispatch(msg)
	if c.tabs.Dirty() {
		c.scheduleFlush()
	}
}

func (c *Console) scheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushTimer != nil {
		return
	}
	c.flushTimer = time.AfterFunc(c.flushDelay, c.flushTabs)
}

func (c *Console) flushTabs() {
	c.mu.Lock()
	c.flushTimer = nil
	c.mu.Unlock()
	if err := c.tabs.Flush(); err != nil {
		c.log.Warn("tab flush failed", "err", err)
	}
}

func (c *Console) unmount() {
	c.mu.Lock()
	c.mounts--
	var unsubs []func()
	if c.mounts <= 0 {
		c.mounts = 0
		unsubs = c.unsubs
		c.unsubs = nil
	}
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Connection reports the gateway state and reconnect attempt counter.
func (c *Console) Connection() (gateway.State, int) {
	m, ok := c.slot.Current()
	if !ok {
		return gateway.StateDisconnected, 0
	}
	return m.State(), m.Attempt()
}

// Send writes an outbound frame on the shared connection.
func (c *Console) Send(msg any) error {
	m, ok := c.slot.Current()
	if !ok {
		return schema.ErrNotConnected
	}
	return m.Send(msg)
}

// Subscribe returns change notifications for sessionID, or for everything
// when sessionID is empty.
func (c *Console) Subscribe(sessionID schema.SessionID) (<-chan eventbus.Event, func()) {
	return c.bus.Subscribe(sessionID)
}

// Sessions returns every tracked session with its effective status.
func (c *Console) Sessions() []SessionView {
	list := c.targets.Sessions.List()
	out := make([]SessionView, 0, len(list))
	for _, session := range list {
		out = append(out, SessionView{Session: session, Status: c.resolver.Resolve(session)})
	}
	return out
}

// EffectiveStatus resolves the status for one session.
func (c *Console) EffectiveStatus(id schema.SessionID) (status.Effective, bool) {
	session, ok := c.targets.Sessions.Get(id)
	if !ok {
		return status.Effective{}, false
	}
	return c.resolver.Resolve(session), true
}

// Shells returns known shell sessions.
func (c *Console) Shells() []schema.ShellSession {
	return c.targets.Shells.List()
}

// Events returns the ordered event buffer for a session.
func (c *Console) Events(id schema.SessionID) []schema.SequencedEvent {
	return c.targets.Events.Events(id)
}

// Timeline returns the grouped timeline for a session.
func (c *Console) Timeline(id schema.SessionID) []timeline.Item {
	return timeline.Group(c.targets.Events.Events(id))
}

// CommanderTimeline returns the grouped commander conversation.
func (c *Console) CommanderTimeline() []timeline.Item {
	return c.Timeline(schema.CommanderSessionID)
}

// Commander returns the last commander state, if any.
func (c *Console) Commander() (schema.CommanderState, bool) {
	return c.targets.Commander.Get()
}

// Audit returns retained fleet audit events after the given id.
func (c *Console) Audit(after int64) []schema.AuditEvent {
	return c.targets.Audit.After(after)
}

// LastError returns the last application error frame or connect failure.
func (c *Console) LastError() (schema.ErrorMessage, bool) {
	return c.targets.LastError.Get()
}

// ClearError dismisses the last error.
func (c *Console) ClearError() {
	c.targets.LastError.Clear()
}

// LastPong returns when the gateway last answered a ping.
func (c *Console) LastPong() (time.Time, bool) {
	return c.targets.LastPong.Get()
}

// OpenTab returns the tab for root, creating it locally and registering it
// with the API when one is configured. Concurrent opens of one root share
// a single initialization.
func (c *Console) OpenTab(ctx context.Context, root string) (schema.TabSnapshot, error) {
	tab, created, err := c.tabs.CreateOrGet(root, "")
	if err != nil {
		return schema.TabSnapshot{}, err
	}
	if c.api == nil {
		return tab, nil
	}
	_, err = c.guard.Do(ctx, "tab:"+string(tab.ID), func(ctx context.Context) (any, error) {
		return c.api.CreateTab(ctx, apiclient.CreateTabRequest{TabID: tab.ID, RootPath: tab.RootPath})
	})
	if err != nil {
		if created {
			if delErr := c.tabs.Delete(tab.ID); delErr != nil {
				c.log.Warn("tab rollback failed", "tab", tab.ID, "err", delErr)
			}
		}
		return schema.TabSnapshot{}, err
	}
	return tab, nil
}

// CloseTab forgets a tab locally and on the API.
func (c *Console) CloseTab(ctx context.Context, id schema.TabID) error {
	if err := c.tabs.Delete(id); err != nil {
		return err
	}
	c.guard.Reset("tab:" + string(id))
	if c.api == nil {
		return nil
	}
	if err := c.api.DeleteTab(ctx, id); err != nil && !apiclient.IsNotFound(err) {
		return err
	}
	return nil
}

// Tabs returns every tab, most recently active first.
func (c *Console) Tabs() []schema.TabSnapshot {
	return c.tabs.List()
}

// Tab returns one tab.
func (c *Console) Tab(id schema.TabID) (schema.TabSnapshot, error) {
	return c.tabs.Get(id)
}

// TabForSession returns the tab whose segment history contains the session.
func (c *Console) TabForSession(id schema.SessionID) (schema.TabID, bool) {
	return c.tabs.TabForSession(id)
}

// AttachSession waits for the session to be known to the API, records it as
// the tab's active segment, and attaches to its output stream.
func (c *Console) AttachSession(ctx context.Context, tabID schema.TabID, id schema.SessionID) (schema.TabSnapshot, error) {
	if c.api != nil {
		_, err := c.guard.Do(ctx, "session:"+string(id), func(ctx context.Context) (any, error) {
			return c.api.GetSession(ctx, id)
		})
		if err != nil {
			return schema.TabSnapshot{}, err
		}
	}
	tab, err := c.tabs.Rotate(tabID, schema.Segment{SessionID: id})
	if err != nil {
		return schema.TabSnapshot{}, err
	}
	if err := c.Send(schema.NewSessionAttach(id)); err != nil {
		return tab, err
	}
	return tab, nil
}

// DetachSession stops streaming a session's output.
func (c *Console) DetachSession(id schema.SessionID) error {
	return c.Send(schema.NewSessionDetach(id))
}

// CreateShell asks the gateway to spawn a shell session.
func (c *Console) CreateShell(projectID schema.ProjectID, cwd string, cols, rows int) error {
	return c.Send(schema.SessionCreateRequest{
		Type:      schema.MsgSessionCreate,
		ProjectID: projectID,
		Cwd:       cwd,
		Cols:      cols,
		Rows:      rows,
	})
}

// SendStdin writes input to a shell session.
func (c *Console) SendStdin(id schema.SessionID, data string) error {
	return c.Send(schema.SessionStdinRequest{Type: schema.MsgSessionStdin, SessionID: id, Data: data})
}

// Signal delivers a signal to a shell session.
func (c *Console) Signal(id schema.SessionID, signal string) error {
	return c.Send(schema.SessionSignalRequest{Type: schema.MsgSessionSignal, SessionID: id, Signal: signal})
}

// Resize resizes a shell session's terminal.
func (c *Console) Resize(id schema.SessionID, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return c.Send(schema.SessionResizeRequest{Type: schema.MsgSessionResize, SessionID: id, Cols: cols, Rows: rows})
}

// SubmitJob requests a one-shot job and returns its request id.
func (c *Console) SubmitJob(projectID schema.ProjectID, jobType string, request json.RawMessage) (schema.RequestID, error) {
	return c.jobs.Request(projectID, jobType, request)
}

// CancelJob requests cancellation of a running job.
func (c *Console) CancelJob(id schema.JobID) error {
	return c.jobs.Cancel(id)
}

// Job returns a job snapshot.
func (c *Console) Job(id schema.JobID) (schema.JobSnapshot, error) {
	return c.jobs.Get(id)
}

// JobForRequest resolves the job started for a request id.
func (c *Console) JobForRequest(id schema.RequestID) (schema.JobID, bool) {
	return c.jobs.ForRequest(id)
}

// Jobs returns every job in start order.
func (c *Console) Jobs() []schema.JobSnapshot {
	return c.jobs.List()
}

// ApplyCompactionMarkers rotates tabs for every compaction marker in dir.
// It returns how many markers rotated a tab.
func (c *Console) ApplyCompactionMarkers(dir string) (int, error) {
	markers, err := statusfile.Markers(dir)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, marker := range markers {
		tab, ok, err := c.tabs.ApplyCompaction(marker)
		if err != nil {
			c.log.Debug("compaction marker skipped", "session", marker.NewSessionID, "cwd", marker.Cwd, "err", err)
			continue
		}
		if !ok {
			continue
		}
		applied++
		c.bus.Publish(eventbus.Event{Type: eventbus.EventTab, TabID: tab.ID, SessionID: marker.NewSessionID})
	}
	return applied, nil
}

// Close flushes tab state and tears down the connection.
func (c *Console) Close() error {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mounts = 0
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	flushErr := c.tabs.Flush()
	resetErr := c.slot.Reset()
	if flushErr != nil {
		return flushErr
	}
	return resetErr
}
