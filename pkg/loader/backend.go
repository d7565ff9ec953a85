package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
)

// ModelIndex records the backend models each loaded plugin declares. The host
// does not execute backend code; it only checks the entry point shipped.
type ModelIndex struct {
	mu     sync.RWMutex
	models map[string][]string
	logger *logrus.Logger
}

// NewModelIndex creates an empty index
func NewModelIndex(logger *logrus.Logger) *ModelIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &ModelIndex{models: make(map[string][]string), logger: logger}
}

// RegisterModels implements BackendRegistrar
func (x *ModelIndex) RegisterModels(_ context.Context, pluginID, dir string, backend *manifest.BackendEntry) error {
	entry := filepath.Join(dir, filepath.FromSlash(backend.Entry))
	if rel, err := filepath.Rel(dir, entry); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("backend entry %q escapes the plugin directory", backend.Entry)
	}
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("backend entry %q: %w", backend.Entry, err)
	}

	models := append([]string(nil), backend.Models...)
	sort.Strings(models)

	x.mu.Lock()
	x.models[pluginID] = models
	x.mu.Unlock()

	x.logger.WithFields(logrus.Fields{"plugin_id": pluginID, "entry": backend.Entry, "models": models}).Info("Registered backend models")
	return nil
}

// Models returns the models registered for a plugin
func (x *ModelIndex) Models(pluginID string) ([]string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.models[pluginID]
	return m, ok
}
