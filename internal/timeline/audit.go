package timeline

import (
	"sort"
	"sync"

	"pkt.systems/fleetconsole/schema"
)

const defaultAuditCapacity = schema.DefaultAuditEventCap

// AuditLog is the global bounded buffer of fleet audit events. Its highest
// event id is the cursor used to resume the audit stream after a reconnect.
type AuditLog struct {
	mu       sync.Mutex
	capacity int
	events   []schema.AuditEvent
	cursor   int64
	// floor is a seeded cursor; ids at or below it were consumed earlier.
	floor int64
}

// NewAuditLog returns a log retaining at most capacity events.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &AuditLog{capacity: capacity}
}

// Append records an event. Events at or below an already retained id are
// ignored, so replays overlapping the buffer are harmless.
func (l *AuditLog) Append(event schema.AuditEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := sort.Search(len(l.events), func(i int) bool { return l.events[i].EventID >= event.EventID })
	if idx < len(l.events) && l.events[idx].EventID == event.EventID {
		return false
	}
	if event.EventID <= l.floor {
		return false
	}
	if idx == 0 && len(l.events) >= l.capacity {
		return false
	}
	l.events = append(l.events, schema.AuditEvent{})
	copy(l.events[idx+1:], l.events[idx:])
	l.events[idx] = event
	if len(l.events) > l.capacity {
		l.events = append([]schema.AuditEvent(nil), l.events[len(l.events)-l.capacity:]...)
	}
	if event.EventID > l.cursor {
		l.cursor = event.EventID
	}
	return true
}

// Events returns the retained events in id order.
func (l *AuditLog) Events() []schema.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schema.AuditEvent(nil), l.events...)
}

// After returns retained events with an id greater than after.
func (l *AuditLog) After(after int64) []schema.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := sort.Search(len(l.events), func(i int) bool { return l.events[i].EventID > after })
	return append([]schema.AuditEvent(nil), l.events[idx:]...)
}

// Cursor returns the highest event id seen.
func (l *AuditLog) Cursor() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// SetCursor seeds the resume cursor, for example from persisted state.
func (l *AuditLog) SetCursor(cursor int64) {
	l.mu.Lock()
	if cursor > l.cursor {
		l.cursor = cursor
	}
	if cursor > l.floor {
		l.floor = cursor
	}
	l.mu.Unlock()
}
