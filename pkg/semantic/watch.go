package semantic

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 250 * time.Millisecond

// WatchFile reloads the catalog whenever path changes. A catalog that fails to
// parse is logged and ignored; the previous catalog stays in service. The
// parent directory is watched so atomic rename-on-save is picked up. Blocks
// until ctx is cancelled.
func (m *MemoryClient) WatchFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				m.reload(ctx, path)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.WarnContext(ctx, "ontology watcher error", "error", err)
		}
	}
}

func (m *MemoryClient) reload(ctx context.Context, path string) {
	c, err := readCatalog(path)
	if err != nil {
		m.logger.ErrorContext(ctx, "ontology reload failed, keeping previous catalog", "path", path, "error", err)
		return
	}
	m.Replace(c)
	m.logger.InfoContext(ctx, "ontology reloaded", "path", path, "ontologies", len(c.Ontologies))
}
