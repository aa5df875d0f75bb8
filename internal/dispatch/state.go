package dispatch

import (
	"sort"
	"sync"

	"pkt.systems/fleetconsole/schema"
)

// Value is a single mutable state slot.
type Value[T any] struct {
	mu  sync.Mutex
	v   T
	set bool
}

// Set stores v.
func (s *Value[T]) Set(v T) {
	s.mu.Lock()
	s.v = v
	s.set = true
	s.mu.Unlock()
}

// Get returns the stored value and whether one was ever set.
func (s *Value[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, s.set
}

// Clear empties the slot.
func (s *Value[T]) Clear() {
	s.mu.Lock()
	var zero T
	s.v = zero
	s.set = false
	s.mu.Unlock()
}

// SessionStore holds tracked agent sessions. Entries are created, updated and
// removed only by inbound messages.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[schema.SessionID]schema.TrackedSession
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[schema.SessionID]schema.TrackedSession)}
}

// Replace swaps the whole set and returns the ids that disappeared.
func (s *SessionStore) Replace(list []schema.TrackedSession) []schema.SessionID {
	next := make(map[schema.SessionID]schema.TrackedSession, len(list))
	for _, session := range list {
		if session.SessionID == "" {
			continue
		}
		next[session.SessionID] = session.Clone()
	}
	s.mu.Lock()
	var gone []schema.SessionID
	for id := range s.sessions {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	s.sessions = next
	s.mu.Unlock()
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return gone
}

// Upsert inserts or replaces a session.
func (s *SessionStore) Upsert(session schema.TrackedSession) error {
	if session.SessionID == "" {
		return schema.ErrMissingSession
	}
	s.mu.Lock()
	s.sessions[session.SessionID] = session.Clone()
	s.mu.Unlock()
	return nil
}

// SetLive updates the live status of a known session.
func (s *SessionStore) SetLive(id schema.SessionID, status schema.LiveStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	session.Status = status
	s.sessions[id] = session
	return true
}

// Remove deletes a session.
func (s *SessionStore) Remove(id schema.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Get returns one session.
func (s *SessionStore) Get(id schema.SessionID) (schema.TrackedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session.Clone(), ok
}

// List returns all sessions, most recently active first.
func (s *SessionStore) List() []schema.TrackedSession {
	s.mu.Lock()
	out := make([]schema.TrackedSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// ShellStore tracks shell sessions spawned through the gateway.
type ShellStore struct {
	mu     sync.Mutex
	shells map[schema.SessionID]schema.ShellSession
}

// NewShellStore returns an empty store.
func NewShellStore() *ShellStore {
	return &ShellStore{shells: make(map[schema.SessionID]schema.ShellSession)}
}

// Created records a spawned shell.
func (s *ShellStore) Created(msg schema.SessionCreatedMessage) {
	s.mu.Lock()
	s.shells[msg.SessionID] = schema.ShellSession{
		SessionID: msg.SessionID,
		ProjectID: msg.ProjectID,
		Cwd:       msg.Cwd,
		PID:       msg.PID,
	}
	s.mu.Unlock()
}

// Ended marks a shell as exited. Unknown shells are recorded as ended.
func (s *ShellStore) Ended(msg schema.SessionEndedMessage) {
	s.mu.Lock()
	shell, ok := s.shells[msg.SessionID]
	if !ok {
		shell = schema.ShellSession{SessionID: msg.SessionID}
	}
	shell.Ended = true
	if msg.ExitCode != nil {
		code := *msg.ExitCode
		shell.ExitCode = &code
	}
	shell.Signal = msg.Signal
	s.shells[msg.SessionID] = shell
	s.mu.Unlock()
}

// Get returns one shell.
func (s *ShellStore) Get(id schema.SessionID) (schema.ShellSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shell, ok := s.shells[id]
	return shell, ok
}

// List returns all shells ordered by id.
func (s *ShellStore) List() []schema.ShellSession {
	s.mu.Lock()
	out := make([]schema.ShellSession, 0, len(s.shells))
	for _, shell := range s.shells {
		out = append(out, shell)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
