package version

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Watcher invalidates a Manifest cache when its compose files change.
// It watches the containing directories so that an override file created
// after startup is noticed too.
type Watcher struct {
	watcher  *fsnotify.Watcher
	manifest *Manifest
	files    map[string]bool
	log      *slog.Logger
}

// NewWatcher creates a file watcher for the manifest's paths.
func NewWatcher(m *Manifest) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range m.Paths() {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}

	return &Watcher{watcher: watcher, manifest: m, files: files, log: m.log}, nil
}

// Run watches for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					w.manifest.Invalidate()
					w.log.Info("manifest changed, version cache invalidated", "path", event.Name)
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}
