package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay collapses the burst of events an editor produces on save.
const settleDelay = 250 * time.Millisecond

// watchSettings calls onChange after the settings file at path is written,
// created or replaced. The parent directory is watched so atomic renames are
// seen. It returns when ctx is cancelled, or immediately when the directory
// does not exist or cannot be watched.
func watchSettings(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		logger.Debug("settings watch skipped", "dir", dir, "error", err)
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("settings watch unavailable", "error", err)
		return nil
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		logger.Warn("settings watch unavailable", "dir", dir, "error", err)
		return nil
	}

	target := filepath.Clean(path)
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle = time.After(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watch error", "error", err)
		case <-settle:
			settle = nil
			onChange()
		}
	}
}
