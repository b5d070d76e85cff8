package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfter_FiresOnce(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var calls atomic.Int32
	done := make(chan struct{})
	s.After("a", 10*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
		close(done)
	})
	assert.Equal(t, 1, s.Pending())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot job did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestAfter_ReplaceKey(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var first, second atomic.Int32
	fired := make(chan struct{})
	s.After("k", 30*time.Millisecond, func(context.Context) { first.Add(1) })
	s.After("k", 10*time.Millisecond, func(context.Context) {
		second.Add(1)
		close(fired)
	})
	assert.Equal(t, 1, s.Pending())

	<-fired
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestCancel(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var calls atomic.Int32
	s.After("k", 20*time.Millisecond, func(context.Context) { calls.Add(1) })
	assert.True(t, s.Cancel("k"))
	assert.False(t, s.Cancel("k"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestStop_DropsPending(t *testing.T) {
	s := New(nil)
	var calls atomic.Int32
	s.After("k", 20*time.Millisecond, func(context.Context) { calls.Add(1) })
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestEvery(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Every("chatter", "@every 1h", func(context.Context) {}))
	next, ok := s.NextRun("chatter")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)

	_, ok = s.NextRun("missing")
	assert.False(t, ok)

	assert.True(t, s.Cancel("chatter"))
	assert.Equal(t, 0, s.Pending())
}

func TestEvery_InvalidSpec(t *testing.T) {
	s := New(nil)
	err := s.Every("x", "not a cron", func(context.Context) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse cron expression")
}

func TestStart_Twice(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Error(t, s.Start())
}

func TestCalculateNextRun(t *testing.T) {
	s := New(nil)
	from := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 10 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@every 30m", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Minute), next)

	_, err = s.CalculateNextRun("61 * * * *", from)
	assert.Error(t, err)
}

func TestInflightDedup(t *testing.T) {
	s := New(nil)
	assert.True(t, s.tryAcquire("a"))
	assert.False(t, s.tryAcquire("a"))
	assert.True(t, s.tryAcquire("b"))
	s.release("a")
	assert.True(t, s.tryAcquire("a"))
}
