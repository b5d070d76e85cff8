package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// memoryDB selects the in-process store instead of libSQL.
const memoryDB = ":memory:"

// Config holds all crew server configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	DBPath              string        `yaml:"db_path"`
	LogLevel            string        `yaml:"log_level"`
	PoolSize            int           `yaml:"pool_size"`
	ModelBaseURL        string        `yaml:"model_base_url"`
	ModelName           string        `yaml:"model_name"`
	ModelAPIKeyEnv      string        `yaml:"model_api_key_env"`
	PersonasFile        string        `yaml:"personas_file"`
	DefinitionsDir      string        `yaml:"definitions_dir"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	NATSURL             string        `yaml:"nats_url"`
	ChatterSchedule     string        `yaml:"chatter_schedule"`
	TickDelayTransition time.Duration `yaml:"tick_delay_transition"`
	TickDelayIdle       time.Duration `yaml:"tick_delay_idle"`
	MaxStepRetries      int           `yaml:"max_step_retries"`
	Channels            []string      `yaml:"channels"`
}

func defaultConfig() Config {
	return Config{
		DBPath:              filepath.Join(crewDir(), "crew.db"),
		LogLevel:            "info",
		PoolSize:            4,
		ModelBaseURL:        "http://localhost:11434/v1",
		ModelName:           "llama3.1",
		ModelAPIKeyEnv:      "CREW_MODEL_API_KEY",
		DefinitionsDir:      filepath.Join(crewDir(), "definitions"),
		MetricsAddr:         ":9464",
		TickDelayTransition: 2 * time.Second,
		TickDelayIdle:       5 * time.Second,
		MaxStepRetries:      3,
		Channels:            []string{"general"},
	}
}

func crewDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crew"
	}
	return filepath.Join(home, ".crew")
}

func settingsPath() string {
	return filepath.Join(crewDir(), "settings.yaml")
}

// loadConfig layers settings.yaml (or path, when given) and CREW_* env vars
// over the defaults. A missing settings file is not an error; a malformed
// one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"CREW_DB_PATH":           &cfg.DBPath,
		"CREW_LOG_LEVEL":         &cfg.LogLevel,
		"CREW_MODEL_BASE_URL":    &cfg.ModelBaseURL,
		"CREW_MODEL_NAME":        &cfg.ModelName,
		"CREW_MODEL_API_KEY_ENV": &cfg.ModelAPIKeyEnv,
		"CREW_PERSONAS_FILE":     &cfg.PersonasFile,
		"CREW_DEFINITIONS_DIR":   &cfg.DefinitionsDir,
		"CREW_METRICS_ADDR":      &cfg.MetricsAddr,
		"CREW_NATS_URL":          &cfg.NATSURL,
		"CREW_CHATTER_SCHEDULE":  &cfg.ChatterSchedule,
	}
	for env, dst := range str {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CREW_POOL_SIZE":        &cfg.PoolSize,
		"CREW_MAX_STEP_RETRIES": &cfg.MaxStepRetries,
	}
	for env, dst := range ints {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"CREW_TICK_DELAY_TRANSITION": &cfg.TickDelayTransition,
		"CREW_TICK_DELAY_IDLE":       &cfg.TickDelayIdle,
	}
	for env, dst := range durations {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("CREW_CHANNELS"); v != "" {
		cfg.Channels = nil
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Channels = append(cfg.Channels, c)
			}
		}
	}
	return nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	ChatterChanged  bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ChatterSchedule != new.ChatterSchedule {
		d.ChatterChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"db_path", old.DBPath != new.DBPath},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"model_base_url", old.ModelBaseURL != new.ModelBaseURL},
		{"model_name", old.ModelName != new.ModelName},
		{"model_api_key_env", old.ModelAPIKeyEnv != new.ModelAPIKeyEnv},
		{"personas_file", old.PersonasFile != new.PersonasFile},
		{"definitions_dir", old.DefinitionsDir != new.DefinitionsDir},
		{"metrics_addr", old.MetricsAddr != new.MetricsAddr},
		{"nats_url", old.NATSURL != new.NATSURL},
		{"tick_delay_transition", old.TickDelayTransition != new.TickDelayTransition},
		{"tick_delay_idle", old.TickDelayIdle != new.TickDelayIdle},
		{"max_step_retries", old.MaxStepRetries != new.MaxStepRetries},
		{"channels", strings.Join(old.Channels, ",") != strings.Join(new.Channels, ",")},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.name)
		}
	}
	return d
}
