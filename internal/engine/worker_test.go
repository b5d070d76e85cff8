package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickPool_ConcurrencyLimit(t *testing.T) {
	pool := NewTickPool(3, nil)
	defer pool.Shutdown()

	var current, maxSeen int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("wf-%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxSeen {
				maxSeen = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, maxSeen, int64(3))
	assert.Equal(t, 10, pool.Stats().Finished)
}

func TestTickPool_InFlightPerInstance(t *testing.T) {
	pool := NewTickPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	assert.Equal(t, 1, pool.InFlight("wf-1"))

	// A second tick for the same instance waits for the only worker and
	// still counts.
	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error { return nil })
		close(submitted)
	}()
	require.Eventually(t, func() bool { return pool.InFlight("wf-1") == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, pool.InFlight("wf-2"))

	select {
	case <-submitted:
		t.Fatal("second submit should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-submitted
	pool.Wait()
	assert.Equal(t, 0, pool.InFlight("wf-1"))
}

func TestTickPool_PanicRecovery(t *testing.T) {
	pool := NewTickPool(2, nil)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error {
		panic("action blew up")
	}))
	pool.Wait()

	st := pool.Stats()
	assert.Equal(t, 1, st.Panicked)
	assert.Equal(t, 1, st.Errored)
	assert.Equal(t, 0, pool.InFlight("wf-1"))

	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))
	pool.Wait()
	assert.True(t, ran.Load())
}

func TestTickPool_ContextCancellation(t *testing.T) {
	pool := NewTickPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "wf-2", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}
	assert.Equal(t, 0, pool.InFlight("wf-2"))
	close(block)
	pool.Wait()
}

func TestTickPool_ShutdownAbortsWaiters(t *testing.T) {
	pool := NewTickPool(1, nil)

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error {
		<-block
		return nil
	}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(context.Background(), "wf-2", func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return pool.InFlight("wf-2") == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolShutdown)
	case <-time.After(time.Second):
		t.Fatal("waiting submit was not aborted by shutdown")
	}
	close(block)
	<-done
}

func TestTickPool_ShutdownAndStats(t *testing.T) {
	pool := NewTickPool(4, nil)

	var completed int64
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		}))
	}
	require.NoError(t, pool.Submit(context.Background(), "wf-2", func(ctx context.Context) error {
		return errors.New("tick failed")
	}))

	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(3), atomic.LoadInt64(&completed))
	st := pool.Stats()
	assert.Equal(t, 3, st.Finished)
	assert.Equal(t, 1, st.Errored)
	assert.Equal(t, 0, st.Running)

	err := pool.Submit(context.Background(), "wf-1", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}
