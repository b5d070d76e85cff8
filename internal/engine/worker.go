package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolShutdown is returned when a tick is submitted after Shutdown.
var ErrPoolShutdown = errors.New("tick pool is shut down")

// TickStats counts what the pool has run.
type TickStats struct {
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Errored  int `json:"errored"`
	Panicked int `json:"panicked"`
}

// TickPool runs workflow ticks on at most size goroutines. Ticks of
// different instances run in parallel; the pool also knows how many ticks
// each instance has queued or running, so a burst of timers firing for one
// instance shows up before ExecuteWorkflow's re-entrancy check drops them.
type TickPool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inFlight map[string]int
	stats    TickStats
}

// NewTickPool builds a pool of size workers. size below 1 means 1.
func NewTickPool(size int, logger *slog.Logger) *TickPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TickPool{
		sem:      semaphore.NewWeighted(int64(size)),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]int),
	}
}

// Submit runs tick for instanceID once a worker is free. It blocks while
// the pool is full and gives up when ctx ends or the pool shuts down.
func (p *TickPool) Submit(ctx context.Context, instanceID string, tick func(ctx context.Context) error) error {
	if !p.enter(instanceID) {
		return ErrPoolShutdown
	}

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(p.ctx, stop)
	defer unhook()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		p.leave(instanceID)
		if p.ctx.Err() != nil {
			return ErrPoolShutdown
		}
		return ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		p.leave(instanceID)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.stats.Running++
	p.mu.Unlock()

	go p.run(ctx, instanceID, tick)
	return nil
}

func (p *TickPool) run(ctx context.Context, instanceID string, tick func(ctx context.Context) error) {
	var err error
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			p.logger.Error("tick panicked", "instance_id", instanceID, "panic", r)
		}
		p.mu.Lock()
		p.stats.Running--
		switch {
		case panicked:
			p.stats.Panicked++
			p.stats.Errored++
		case err != nil:
			p.stats.Errored++
		default:
			p.stats.Finished++
		}
		p.mu.Unlock()
		p.sem.Release(1)
		p.leave(instanceID)
		p.wg.Done()
	}()
	err = tick(ctx)
}

func (p *TickPool) enter(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.inFlight[instanceID]++
	return true
}

func (p *TickPool) leave(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[instanceID] <= 1 {
		delete(p.inFlight, instanceID)
		return
	}
	p.inFlight[instanceID]--
}

// InFlight is the number of ticks for instanceID waiting for a worker or
// running.
func (p *TickPool) InFlight(instanceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[instanceID]
}

// Wait blocks until every started tick has returned.
func (p *TickPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new ticks, aborts waiting submitters and waits for the
// running ones.
func (p *TickPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (p *TickPool) Stats() TickStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
