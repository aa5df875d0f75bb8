package gateway

import "sync"

// Slot holds the single Manager for a process. The manager is created on the
// first Acquire, shared by every later Acquire, and torn down only by Reset,
// so consumers that remount reuse the live connection.
type Slot struct {
	mu  sync.Mutex
	cfg Config
	m   *Manager
}

// NewSlot returns an empty slot that builds managers from cfg.
func NewSlot(cfg Config) *Slot {
	return &Slot{cfg: cfg}
}

// Acquire returns the slot's manager, creating it if needed.
func (s *Slot) Acquire() *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = NewManager(s.cfg)
	}
	return s.m
}

// Current returns the manager if one has been acquired.
func (s *Slot) Current() (*Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m, s.m != nil
}

// Reset closes and forgets the manager.
func (s *Slot) Reset() error {
	s.mu.Lock()
	m := s.m
	s.m = nil
	s.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}
