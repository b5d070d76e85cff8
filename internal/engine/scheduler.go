package engine

import (
	"sync"
	"time"
)

// TickScheduler runs fn once after delay, keyed by instance id. Scheduling an
// id that already has a pending tick replaces it. A cancelled or replaced
// tick never runs, even if its timer already fired.
type TickScheduler interface {
	Schedule(id string, delay time.Duration, fn func())
	Cancel(id string) bool
	CancelAll()
	Pending() int
}

type tickHandle struct {
	timer *time.Timer
}

// TimerScheduler is a TickScheduler backed by time.AfterFunc. The handle map
// is the per-instance scheduled-task record.
type TimerScheduler struct {
	mu      sync.Mutex
	handles map[string]*tickHandle
}

// NewTimerScheduler creates an empty scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{handles: make(map[string]*tickHandle)}
}

func (s *TimerScheduler) Schedule(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.handles[id]; ok {
		old.timer.Stop()
	}
	h := &tickHandle{}
	h.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := s.handles[id] == h
		if current {
			delete(s.handles, id)
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.handles[id] = h
}

// Cancel drops the pending tick for id. Reports whether one existed.
func (s *TimerScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(s.handles, id)
	return true
}

func (s *TimerScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.handles {
		h.timer.Stop()
		delete(s.handles, id)
	}
}

func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// IsScheduled reports whether id has a pending tick.
func (s *TimerScheduler) IsScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	return ok
}

var _ TickScheduler = (*TimerScheduler)(nil)
