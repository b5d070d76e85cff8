package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	other := filepath.Join(dir, "other.yaml")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchSettings(ctx, path, logger, func() { calls.Add(1) })
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(other, []byte("x: 1"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn"), 0o644))

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(2 * settleDelay)
	assert.Equal(t, int32(1), calls.Load(), "a burst of writes settles into one reload")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchSettings_MissingDir(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := watchSettings(context.Background(), filepath.Join(t.TempDir(), "absent", "settings.yaml"), logger, func() {})
	assert.NoError(t, err)
}
