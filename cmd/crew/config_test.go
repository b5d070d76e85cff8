package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.TickDelayTransition)
	assert.Equal(t, 5*time.Second, cfg.TickDelayIdle)
	assert.Equal(t, 3, cfg.MaxStepRetries)
	assert.Equal(t, []string{"general"}, cfg.Channels)
	assert.Equal(t, "crew.db", filepath.Base(cfg.DBPath))
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
pool_size: 8
tick_delay_idle: 30s
channels: [general, incidents]
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.TickDelayIdle)
	assert.Equal(t, 2*time.Second, cfg.TickDelayTransition, "unset keys keep defaults")
	assert.Equal(t, []string{"general", "incidents"}, cfg.Channels)
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size: [nope"), 0o644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\npool_size: 8\n"), 0o644))

	t.Setenv("CREW_LOG_LEVEL", "warn")
	t.Setenv("CREW_POOL_SIZE", "2")
	t.Setenv("CREW_TICK_DELAY_TRANSITION", "250ms")
	t.Setenv("CREW_CHANNELS", "general, , random")
	t.Setenv("CREW_DB_PATH", memoryDB)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.TickDelayTransition)
	assert.Equal(t, []string{"general", "random"}, cfg.Channels)
	assert.Equal(t, memoryDB, cfg.DBPath)
}

func TestLoadConfig_BadEnv(t *testing.T) {
	dir := t.TempDir()

	t.Run("int", func(t *testing.T) {
		t.Setenv("CREW_MAX_STEP_RETRIES", "three")
		_, err := loadConfig(filepath.Join(dir, "none.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CREW_MAX_STEP_RETRIES")
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("CREW_TICK_DELAY_IDLE", "soon")
		_, err := loadConfig(filepath.Join(dir, "none.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CREW_TICK_DELAY_IDLE")
	})
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	same := diffConfigs(old, old)
	assert.False(t, same.LogLevelChanged)
	assert.False(t, same.ChatterChanged)
	assert.Empty(t, same.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.ChatterSchedule = "@every 10m"
	next.PoolSize = 16
	next.Channels = []string{"general", "random"}

	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.ChatterChanged)
	assert.Equal(t, []string{"pool_size", "channels"}, d.RestartNeeded)
}

func TestWriteDefaultSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	require.NoError(t, writeDefaultSettings(path, false))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	assert.Error(t, writeDefaultSettings(path, false), "existing file is kept without force")
	assert.NoError(t, writeDefaultSettings(path, true))
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crew.pid")

	_, err := readPIDFile(path)
	assert.ErrorIs(t, err, errNoServer)

	require.NoError(t, writePIDFile(path))
	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	_, err = readPIDFile(path)
	assert.Error(t, err)
}
