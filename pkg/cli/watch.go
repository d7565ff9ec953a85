package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ignoredDirs never trigger a rebuild
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"dist-plugins": true,
}

// watcher rebuilds a source tree after its changes settle
type watcher struct {
	dir      string
	debounce time.Duration
	exclude  []string // absolute paths that are never watched
	rebuild  func()
	logger   *logrus.Logger
}

func (w *watcher) skip(path string) bool {
	if ignoredDirs[filepath.Base(path)] {
		return true
	}
	for _, ex := range w.exclude {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skip(path) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

// run blocks until ctx is done
func (w *watcher) run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Infof("Watching %s for changes", w.dir)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if w.skip(path) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(path); err == nil && info.IsDir() {
					if err := w.addTree(fw, path); err != nil {
						w.logger.Warnf("Failed to watch new directory %s: %v", path, err)
					}
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugf("Change detected: %s", event)
			timer.Reset(w.debounce)
		case <-timer.C:
			w.rebuild()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("Watcher error: %v", err)
		}
	}
}
