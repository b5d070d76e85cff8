// Package scheduler runs agent activities: repeating ones on cron specs and
// one-shot ones after a delay.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is the work run on each firing.
type Job func(ctx context.Context)

// Scheduler keys every job by a caller-chosen string. Scheduling a key that
// is already taken replaces the previous job.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer

	inflightMu sync.Mutex
	inflight   map[string]struct{} // keys currently executing (dedup)
}

// New creates a stopped scheduler. Specs use the five standard cron fields
// or descriptors such as "@every 10m".
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		parser:   parser,
		logger:   logger.With("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]cron.EntryID),
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]struct{}),
	}
}

// Start begins firing repeating jobs. One-shot jobs fire whether or not the
// scheduler is started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop cancels every pending job and waits for running repeating jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.cancel()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// Every runs job on spec until cancelled. A firing that overlaps a still
// running one for the same key is skipped.
func (s *Scheduler) Every(key, spec string, job Job) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(key)
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		if !s.tryAcquire(key) {
			s.logger.Debug("activity still running, skipping", "key", key)
			return
		}
		defer s.release(key)
		job(s.ctx)
	}))
	s.entries[key] = id
	return nil
}

// After runs job once after delay.
func (s *Scheduler) After(key string, delay time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(key)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := s.timers[key] == t
		if current {
			delete(s.timers, key)
		}
		ctx := s.ctx
		s.mu.Unlock()
		if current && ctx.Err() == nil {
			job(ctx)
		}
	})
	s.timers[key] = t
}

// Cancel drops the job under key. Reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked(key)
}

func (s *Scheduler) dropLocked(key string) bool {
	found := false
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
		found = true
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
		found = true
	}
	return found
}

// Pending returns the number of scheduled jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) + len(s.timers)
}

// NextRun reports when the repeating job under key fires next.
func (s *Scheduler) NextRun(key string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return sched.Next(from), nil
}

// tryAcquire returns true and marks key as in flight if it is not already running.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}
