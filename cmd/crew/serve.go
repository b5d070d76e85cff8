package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/crew/internal/logging"
)

// serve runs the crew process until ctx is cancelled or the MCP client
// closes stdin. Logs go to stderr; stdout carries the MCP stdio transport.
func serve(ctx context.Context, cfg Config, configPath string) error {
	levelVar := new(slog.LevelVar)
	levelVar.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stderr, levelVar, isatty.IsTerminal(os.Stderr.Fd()))
	slog.SetDefault(logger)

	lock := flock.New(lockPath())
	if err := os.MkdirAll(filepath.Dir(lockPath()), 0o755); err != nil {
		return err
	}
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another crew server holds %s", lockPath())
	}
	defer func() { _ = lock.Unlock() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := writePIDFile(pidPath()); err != nil {
		logger.Warn("pidfile not written", "error", err)
	} else {
		defer os.Remove(pidPath())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return a.mcp.Serve(gctx)
	})

	g.Go(func() error {
		return a.mcp.ForwardThreadReplies(gctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// SIGHUP and settings file edits both funnel into one reload loop.
	reloads := make(chan struct{}, 1)
	requestReload := func() {
		select {
		case reloads <- struct{}{}:
		default:
		}
	}

	watched := configPath
	if watched == "" {
		watched = settingsPath()
	}
	g.Go(func() error {
		return watchSettings(gctx, watched, logger, requestReload)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				requestReload()
			case <-reloads:
				a.reload(gctx, configPath, levelVar)
			}
		}
	})

	logger.Info("crew serving", "version", version, "db", cfg.DBPath, "agents", len(a.agents.Agents()))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reload re-reads the settings and applies what can change at runtime.
func (a *app) reload(ctx context.Context, configPath string, levelVar *slog.LevelVar) {
	next, err := loadConfig(configPath)
	if err != nil {
		a.logger.ErrorContext(ctx, "config reload failed", "error", err)
		return
	}
	diff := diffConfigs(a.cfg, next)
	if diff.LogLevelChanged {
		levelVar.Set(logging.ParseLevel(next.LogLevel))
		a.cfg.LogLevel = next.LogLevel
		a.logger.InfoContext(ctx, "log level changed", "level", next.LogLevel)
	}
	if diff.ChatterChanged {
		a.cfg.ChatterSchedule = next.ChatterSchedule
		a.scheduleChatter(ctx, next.ChatterSchedule)
		a.logger.InfoContext(ctx, "chatter schedule changed", "schedule", next.ChatterSchedule)
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.WarnContext(ctx, "settings changed that need a restart", "fields", diff.RestartNeeded)
	}
}
