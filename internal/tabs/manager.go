// Package tabs keeps the stable operator-facing tab identity on top of a
// rotating list of underlying agent session segments.
package tabs

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/internal/persist"
	"pkt.systems/fleetconsole/internal/statusfile"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// Deps configures a Manager. Store is optional; without it tabs live only in memory.
type Deps struct {
	Store   *persist.Store
	Profile string
	// AuditCursor supplies the fleet audit cursor saved alongside the tabs.
	AuditCursor func() int64
	Logger      pslog.Logger
	Now         func() time.Time
	NewID       func() schema.TabID
}

// Manager maps tab ids to their segment history.
type Manager struct {
	mu          sync.Mutex
	tabs        map[schema.TabID]*schema.TabSnapshot
	byRoot      map[string]map[schema.TabID]struct{}
	bySession   map[schema.SessionID]schema.TabID
	store       *persist.Store
	profile     string
	auditCursor func() int64
	loadedAudit int64
	dirty       bool
	log         pslog.Logger
	now         func() time.Time
	newID       func() schema.TabID
}

// NewManager constructs a manager and loads persisted tabs when a store is configured.
func NewManager(deps Deps) (*Manager, error) {
	m := &Manager{
		tabs:        make(map[schema.TabID]*schema.TabSnapshot),
		byRoot:      make(map[string]map[schema.TabID]struct{}),
		bySession:   make(map[schema.SessionID]schema.TabID),
		store:       deps.Store,
		profile:     deps.Profile,
		auditCursor: deps.AuditCursor,
		log:         logx.Or(deps.Logger),
		now:         deps.Now,
		newID:       deps.NewID,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = schema.NewTabID
	}
	if m.store == nil {
		return m, nil
	}
	snapshot, ok, err := m.store.Load(m.profile)
	if err != nil {
		return nil, err
	}
	if ok {
		for i := range snapshot.Tabs {
			tab := cloneTab(snapshot.Tabs[i])
			if tab.ID == "" || tab.RootPath == "" {
				continue
			}
			m.index(&tab)
		}
		m.loadedAudit = snapshot.AuditCursor
		m.log.Info("tabs restored", "tabs", len(m.tabs), "audit_cursor", snapshot.AuditCursor)
	}
	return m, nil
}

// LoadedAuditCursor returns the audit cursor read from disk at construction.
func (m *Manager) LoadedAuditCursor() int64 {
	return m.loadedAudit
}

// CreateOrGet returns the most recently active tab for root, or creates one
// with the given id (a random id when empty).
func (m *Manager) CreateOrGet(root string, id schema.TabID) (schema.TabSnapshot, bool, error) {
	root = normalizeRoot(root)
	if root == "" {
		return schema.TabSnapshot{}, false, schema.ErrInvalidRoot
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tab := m.latestForRoot(root); tab != nil {
		return cloneTab(*tab), false, nil
	}
	if id == "" {
		id = m.newID()
	}
	if existing, ok := m.tabs[id]; ok {
		return cloneTab(*existing), false, nil
	}
	now := m.now().UTC()
	tab := &schema.TabSnapshot{
		ID:             id,
		RootPath:       root,
		Segments:       []schema.Segment{},
		ActiveIndex:    -1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.index(tab)
	m.saveLocked()
	logx.WithTab(pslog.ContextWithLogger(context.Background(), m.log), id).Info("tab created", "root", root)
	return cloneTab(*tab), true, nil
}

// Rotate closes the active segment, appends seg and makes it active.
// Rotating to the session that is already active is a no-op.
func (m *Manager) Rotate(tabID schema.TabID, seg schema.Segment) (schema.TabSnapshot, error) {
	return m.rotate(tabID, seg, true)
}

// Record applies a rotation like Rotate but only marks the state dirty.
// Dispatch handlers use it; Flush writes the result.
func (m *Manager) Record(tabID schema.TabID, seg schema.Segment) (schema.TabSnapshot, error) {
	return m.rotate(tabID, seg, false)
}

func (m *Manager) rotate(tabID schema.TabID, seg schema.Segment, save bool) (schema.TabSnapshot, error) {
	if err := validateSegment(seg); err != nil {
		return schema.TabSnapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return schema.TabSnapshot{}, schema.ErrTabNotFound
	}
	if m.rotateLocked(tab, seg) {
		if save {
			m.saveLocked()
		} else {
			m.dirty = true
		}
	}
	return cloneTab(*tab), nil
}

// ApplyCompaction rotates the most recently active tab rooted at the marker's
// working directory onto the compacted session. Markers whose session is
// already in the tab's history, or that are not newer than the active
// segment, leave the tab untouched and report false.
func (m *Manager) ApplyCompaction(marker statusfile.CompactionMarker) (schema.TabSnapshot, bool, error) {
	seg := schema.Segment{
		SessionID: marker.NewSessionID,
		StartedAt: marker.CompactedAt.UTC(),
		Reason:    schema.SegmentCompact,
		Trigger:   schema.TriggerAuto,
	}
	if err := validateSegment(seg); err != nil {
		return schema.TabSnapshot{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tab := m.latestForRoot(normalizeRoot(marker.Cwd))
	if tab == nil {
		return schema.TabSnapshot{}, false, schema.ErrTabNotFound
	}
	if m.bySession[seg.SessionID] == tab.ID {
		return cloneTab(*tab), false, nil
	}
	if active, ok := tab.ActiveSegment(); ok && !seg.StartedAt.IsZero() && !seg.StartedAt.After(active.StartedAt) {
		return cloneTab(*tab), false, nil
	}
	if !m.rotateLocked(tab, seg) {
		return cloneTab(*tab), false, nil
	}
	m.saveLocked()
	return cloneTab(*tab), true, nil
}

func validateSegment(seg schema.Segment) error {
	if seg.SessionID == "" {
		return schema.ErrInvalidSegment
	}
	if seg.Reason != "" && !seg.Reason.Valid() {
		return schema.ErrInvalidSegment
	}
	return nil
}

// rotateLocked reports whether tab changed.
func (m *Manager) rotateLocked(tab *schema.TabSnapshot, seg schema.Segment) bool {
	if active, ok := tab.ActiveSegment(); ok && active.SessionID == seg.SessionID {
		return false
	}
	now := m.now().UTC()
	if seg.StartedAt.IsZero() {
		seg.StartedAt = now
	}
	if seg.Reason == "" {
		seg.Reason = schema.SegmentStartup
		if len(tab.Segments) > 0 {
			seg.Reason = schema.SegmentResume
		}
	}
	seg.EndedAt = nil
	if tab.ActiveIndex >= 0 && tab.ActiveIndex < len(tab.Segments) {
		prev := &tab.Segments[tab.ActiveIndex]
		ended := seg.StartedAt
		if ended.Before(prev.StartedAt) {
			ended = prev.StartedAt
		}
		prev.EndedAt = &ended
	}
	tab.Segments = append(tab.Segments, seg)
	tab.ActiveIndex = len(tab.Segments) - 1
	tab.LastActivityAt = now
	m.bySession[seg.SessionID] = tab.ID
	logx.WithTab(pslog.ContextWithLogger(context.Background(), m.log), tab.ID).Info("tab segment rotated",
		"session", seg.SessionID, "reason", seg.Reason, "trigger", seg.Trigger, "segments", len(tab.Segments))
	return true
}

// Get returns a tab by id.
func (m *Manager) Get(tabID schema.TabID) (schema.TabSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return schema.TabSnapshot{}, schema.ErrTabNotFound
	}
	return cloneTab(*tab), nil
}

// TabForSession returns the tab that any segment of sessionID belongs to.
func (m *Manager) TabForSession(sessionID schema.SessionID) (schema.TabID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	return id, ok
}

// Touch bumps a tab's last activity timestamp.
func (m *Manager) Touch(tabID schema.TabID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return schema.ErrTabNotFound
	}
	tab.LastActivityAt = m.now().UTC()
	return nil
}

// Delete removes a tab and its reverse index entries.
func (m *Manager) Delete(tabID schema.TabID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return schema.ErrTabNotFound
	}
	delete(m.tabs, tabID)
	if set := m.byRoot[tab.RootPath]; set != nil {
		delete(set, tabID)
		if len(set) == 0 {
			delete(m.byRoot, tab.RootPath)
		}
	}
	for _, seg := range tab.Segments {
		if m.bySession[seg.SessionID] == tabID {
			delete(m.bySession, seg.SessionID)
		}
	}
	m.saveLocked()
	logx.WithTab(pslog.ContextWithLogger(context.Background(), m.log), tabID).Info("tab deleted")
	return nil
}

// List returns all tabs, most recently active first.
func (m *Manager) List() []schema.TabSnapshot {
	m.mu.Lock()
	out := make([]schema.TabSnapshot, 0, len(m.tabs))
	for _, tab := range m.tabs {
		out = append(out, cloneTab(*tab))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return newer(&out[i], &out[j]) })
	return out
}

// Dirty reports whether recorded changes are waiting for Flush.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Flush persists the current state, picking up the latest audit cursor.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		m.dirty = false
		return nil
	}
	if err := m.store.Save(m.profile, m.snapshotLocked()); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *Manager) index(tab *schema.TabSnapshot) {
	m.tabs[tab.ID] = tab
	set := m.byRoot[tab.RootPath]
	if set == nil {
		set = make(map[schema.TabID]struct{})
		m.byRoot[tab.RootPath] = set
	}
	set[tab.ID] = struct{}{}
	for _, seg := range tab.Segments {
		m.bySession[seg.SessionID] = tab.ID
	}
}

func (m *Manager) latestForRoot(root string) *schema.TabSnapshot {
	var best *schema.TabSnapshot
	for id := range m.byRoot[root] {
		tab := m.tabs[id]
		if tab == nil {
			continue
		}
		if best == nil || newer(tab, best) {
			best = tab
		}
	}
	return best
}

func (m *Manager) saveLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.profile, m.snapshotLocked()); err != nil {
		m.dirty = true
		m.log.Warn("tabs save failed", "err", err)
		return
	}
	m.dirty = false
}

func (m *Manager) snapshotLocked() persist.ConsoleSnapshot {
	snapshot := persist.ConsoleSnapshot{Tabs: make([]schema.TabSnapshot, 0, len(m.tabs))}
	for _, tab := range m.tabs {
		snapshot.Tabs = append(snapshot.Tabs, cloneTab(*tab))
	}
	sort.Slice(snapshot.Tabs, func(i, j int) bool { return snapshot.Tabs[i].ID < snapshot.Tabs[j].ID })
	snapshot.AuditCursor = m.loadedAudit
	if m.auditCursor != nil {
		if cursor := m.auditCursor(); cursor > snapshot.AuditCursor {
			snapshot.AuditCursor = cursor
		}
	}
	return snapshot
}

// newer orders by last activity, then creation time, then id for stability.
func newer(a, b *schema.TabSnapshot) bool {
	if !a.LastActivityAt.Equal(b.LastActivityAt) {
		return a.LastActivityAt.After(b.LastActivityAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func normalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return ""
	}
	return filepath.Clean(root)
}

func cloneTab(tab schema.TabSnapshot) schema.TabSnapshot {
	segments := make([]schema.Segment, len(tab.Segments))
	for i, seg := range tab.Segments {
		if seg.EndedAt != nil {
			ended := *seg.EndedAt
			seg.EndedAt = &ended
		}
		segments[i] = seg
	}
	tab.Segments = segments
	return tab
}
