package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and hands the result to onReload.
// Structural settings (database, channel wiring) need a restart; callers
// apply only what is safe to change live. Editors replace files rather than
// write in place, so the parent directory is watched and events are debounced.
func Watch(ctx context.Context, path string, log *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	log = log.With("component", "config")
	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Error("config reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				log.Info("config reloaded", "path", path)
				onReload(cfg)
			}
		}
	}()
	return nil
}
