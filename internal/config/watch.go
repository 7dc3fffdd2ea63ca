package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the manager whenever one of its config files changes on
// disk, until the context is cancelled. onReload is invoked after each
// successful reload; it may be nil.
//
// Editors replace files rather than writing in place, so the parent
// directories are watched and events are debounced briefly before reloading.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	for _, path := range []string{m.globalPath, m.projectPath} {
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		if watched[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue // Directory may not exist yet; nothing to watch
		}
		if err := watcher.Add(dir); err != nil {
			logger.Warn("config watch failed", "dir", dir, "error", err)
			continue
		}
		watched[dir] = true
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != m.globalPath && event.Name != m.projectPath {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := m.Reload(); err != nil {
				logger.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			logger.Info("config reloaded from disk")
			if onReload != nil {
				onReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
