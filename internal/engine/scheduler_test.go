package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerScheduler_Runs(t *testing.T) {
	s := NewTimerScheduler()
	done := make(chan struct{})
	s.Schedule("wi-1", 5*time.Millisecond, func() { close(done) })
	assert.True(t, s.IsScheduled("wi-1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick did not run")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerScheduler_CancelPreventsRun(t *testing.T) {
	s := NewTimerScheduler()
	var ran atomic.Int32
	s.Schedule("wi-1", 30*time.Millisecond, func() { ran.Add(1) })

	assert.True(t, s.Cancel("wi-1"))
	assert.False(t, s.Cancel("wi-1"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())
}

func TestTimerScheduler_RescheduleReplaces(t *testing.T) {
	s := NewTimerScheduler()
	var first, second atomic.Int32
	s.Schedule("wi-1", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("wi-1", 30*time.Millisecond, func() { second.Add(1) })
	assert.Equal(t, 1, s.Pending())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestTimerScheduler_CancelAll(t *testing.T) {
	s := NewTimerScheduler()
	var ran atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		s.Schedule(id, 20*time.Millisecond, func() { ran.Add(1) })
	}
	assert.Equal(t, 3, s.Pending())
	s.CancelAll()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, 0, s.Pending())
}
