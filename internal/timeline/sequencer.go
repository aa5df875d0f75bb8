package timeline

import (
	"sort"
	"sync"

	"pkt.systems/fleetconsole/schema"
)

const defaultCapacity = schema.DefaultSessionEventCap

// Sequencer keeps one bounded, seq-ordered event buffer per session.
// Events may arrive out of order (replay after reconnect), so Insert places
// each event at its sorted position instead of appending.
type Sequencer struct {
	mu       sync.Mutex
	capacity int
	buffers  map[schema.SessionID][]schema.SequencedEvent
}

// NewSequencer returns a sequencer that retains at most capacity events per session.
func NewSequencer(capacity int) *Sequencer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Sequencer{
		capacity: capacity,
		buffers:  make(map[schema.SessionID][]schema.SequencedEvent),
	}
}

// Insert adds event to the session's buffer. It reports false when the event
// was dropped: a duplicate seq, or older than everything retained in a full buffer.
func (s *Sequencer) Insert(sessionID schema.SessionID, event schema.SequencedEvent) bool {
	if sessionID == "" {
		return false
	}
	event.SessionID = sessionID
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[sessionID]
	idx := sort.Search(len(buf), func(i int) bool { return buf[i].Seq >= event.Seq })
	if idx < len(buf) && buf[idx].Seq == event.Seq {
		return false
	}
	if idx == 0 && len(buf) >= s.capacity {
		// Would be trimmed immediately.
		return false
	}
	buf = append(buf, schema.SequencedEvent{})
	copy(buf[idx+1:], buf[idx:])
	buf[idx] = event
	if len(buf) > s.capacity {
		trim := len(buf) - s.capacity
		buf = append([]schema.SequencedEvent(nil), buf[trim:]...)
	}
	s.buffers[sessionID] = buf
	return true
}

// Events returns a copy of the session's ordered buffer.
func (s *Sequencer) Events(sessionID schema.SessionID) []schema.SequencedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[sessionID]
	if len(buf) == 0 {
		return nil
	}
	return append([]schema.SequencedEvent(nil), buf...)
}

// Len returns the number of retained events for the session.
func (s *Sequencer) Len(sessionID schema.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[sessionID])
}

// LastSeq returns the highest retained seq for the session.
func (s *Sequencer) LastSeq(sessionID schema.SessionID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[sessionID]
	if len(buf) == 0 {
		return 0, false
	}
	return buf[len(buf)-1].Seq, true
}

// Drop discards the session's buffer.
func (s *Sequencer) Drop(sessionID schema.SessionID) {
	s.mu.Lock()
	delete(s.buffers, sessionID)
	s.mu.Unlock()
}

// Capacity returns the per-session retention limit.
func (s *Sequencer) Capacity() int {
	return s.capacity
}
