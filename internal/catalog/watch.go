package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange after the manifest is written, created or replaced,
// coalescing bursts of events. It watches the parent directory so that
// editors replacing the file by rename are noticed. Watch blocks until ctx
// is done.
func (m *ManifestCatalog) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(m.path)

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&relevant == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			m.logger.Info("manifest changed", zap.String("path", m.path))
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("manifest watcher error", zap.Error(err))
		}
	}
}
