package eventbus

import (
	"context"
	"sync"

	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// EventType identifies what changed.
type EventType string

const (
	// EventSession reports a tracked or shell session change.
	EventSession EventType = "session"
	// EventSessionRemoved reports a tracked session removal.
	EventSessionRemoved EventType = "session_removed"
	// EventTimeline reports a new sequenced event for a session.
	EventTimeline EventType = "timeline"
	// EventJob reports a job state change.
	EventJob EventType = "job"
	// EventTab reports a tab rotation.
	EventTab EventType = "tab"
	// EventCommander reports a commander state change.
	EventCommander EventType = "commander"
	// EventAudit reports a new fleet audit event.
	EventAudit EventType = "audit"
	// EventConnection reports a gateway connection state change.
	EventConnection EventType = "connection"
	// EventError reports an application-level error from the gateway.
	EventError EventType = "error"
)

// Event is a change notification for UI consumers. Consumers re-read state
// from the console; the event only says what to refresh.
type Event struct {
	Type      EventType
	SessionID schema.SessionID
	TabID     schema.TabID
	JobID     schema.JobID
	Seq       uint64
	State     string
	Message   string
}

// Bus fans out change notifications. Subscribers filter by session; an empty
// session id subscribes to everything.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SessionID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SessionID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber and returns a channel + cancel.
func (b *Bus) Subscribe(sessionID schema.SessionID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	subs := b.subs[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subs[sessionID] = subs
	}
	subs[ch] = struct{}{}
	count := len(subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "session", sessionID, "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[sessionID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.Debug("eventbus unsubscribe", "session", sessionID)
		})
	}
}

// Publish delivers event to its session's subscribers and to wildcard
// subscribers. Full subscriber channels drop the event.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]chan Event, 0, len(b.subs[""])+len(b.subs[event.SessionID]))
	for sub := range b.subs[""] {
		subs = append(subs, sub)
	}
	if event.SessionID != "" {
		for sub := range b.subs[event.SessionID] {
			subs = append(subs, sub)
		}
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Trace("eventbus dropped", "type", event.Type, "session", event.SessionID, "count", dropped)
	}
}
