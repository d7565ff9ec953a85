package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/plugd/pkg/events"
)

// Watch observes the plugins root until ctx is done. A loaded plugin whose
// directory disappears out of band loses its record, so nothing keeps serving
// files that are gone.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	root := r.fetcher.Root()
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	r.logger.Infof("Watching plugin directory %s", root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.dropMissing(filepath.Clean(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warnf("plugin directory watcher error: %v", err)
		}
	}
}

func (r *Registry) dropMissing(dir string) {
	r.mu.RLock()
	var id string
	for _, rec := range r.byID {
		if filepath.Clean(rec.Directory) == dir {
			id = rec.PluginID
			break
		}
	}
	r.mu.RUnlock()
	if id == "" {
		return
	}
	// A late event from an unload can arrive after the same slug was loaded again.
	if _, err := os.Stat(dir); err == nil {
		return
	}

	rec, ok := r.forget(id)
	if !ok {
		return
	}
	r.logger.Warnf("Plugin directory %s removed externally; dropped %s", dir, rec.Slug)
	r.publisher.Publish(events.New(events.PluginUnloaded, rec.PluginID, rec.Slug, rec.Version))
}
