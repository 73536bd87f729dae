package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultWatchDebounce = 2 * time.Second

// Watch reloads roots whenever something changes below them, after
// debounce passed without further events. It returns when ctx is done.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration, roots ...string) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range roots {
		if err := watcher.Add(root); err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(root, e.Name()))
			}
		}
	}
	m.logger.InfoContext(ctx, "watching plugin paths", "paths", roots)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// bundles are one level deep, new directories need a watch of their own
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.ErrorContext(ctx, "plugin watcher", "error", err)
		case <-timer.C:
			if err := m.Load(ctx, roots...); err != nil {
				m.logger.ErrorContext(ctx, "reloading plugins", "error", err)
			}
		}
	}
}
