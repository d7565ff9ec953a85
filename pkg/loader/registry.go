package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/hooks"
	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSlugConflict is returned when another plugin id already holds the slug
	ErrSlugConflict = errors.New("slug is loaded by another plugin")

	// ErrManifestMismatch is returned when the extracted package declares a different slug
	ErrManifestMismatch = errors.New("package manifest does not match plugin")
)

// Plugin identifies what to load
type Plugin struct {
	ID         string
	Slug       string
	Version    string
	PackageURL string
}

// Record is a plugin resident in this process
type Record struct {
	PluginID  string
	Slug      string
	Version   string
	Directory string
	LoadedAt  time.Time
	Manifest  *manifest.Manifest
	Hooks     hooks.Set
}

// Fetcher places a package on disk
type Fetcher interface {
	Fetch(ctx context.Context, packageURL, slug string) (string, error)
	Remove(slug string) error
	Root() string
}

// HookResolver turns declared hooks into handlers
type HookResolver interface {
	Resolve(slug, dir string, declared manifest.Hooks) (hooks.Set, error)
}

// BackendRegistrar makes a plugin's server-side models known to the host
type BackendRegistrar interface {
	RegisterModels(ctx context.Context, pluginID, dir string, backend *manifest.BackendEntry) error
}

// Registry tracks loaded plugins. It is the only owner of plugin
// directories: a directory is exposed only while its record exists.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	bySlug map[string]string

	fetcher   Fetcher
	resolver  HookResolver
	backend   BackendRegistrar
	publisher events.Publisher
	group     singleflight.Group
	logger    *logrus.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(fetcher Fetcher, resolver HookResolver, publisher events.Publisher, logger *logrus.Logger) *Registry {
	if publisher == nil {
		publisher = events.Discard
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		byID:      make(map[string]*Record),
		bySlug:    make(map[string]string),
		fetcher:   fetcher,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
	}
}

// SetBackendRegistrar installs the host hook for backend models
func (r *Registry) SetBackendRegistrar(b BackendRegistrar) {
	r.backend = b
}

// Load makes p resident. Loading an already loaded id returns the existing
// record untouched; concurrent loads of one id share a single extraction.
func (r *Registry) Load(ctx context.Context, p Plugin) (*Record, error) {
	if rec, ok := r.Get(p.ID); ok {
		return rec, nil
	}

	v, err, _ := r.group.Do(p.ID, func() (interface{}, error) {
		if rec, ok := r.Get(p.ID); ok {
			return rec, nil
		}
		return r.load(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (r *Registry) load(ctx context.Context, p Plugin) (*Record, error) {
	log := r.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug})

	r.mu.RLock()
	owner, taken := r.bySlug[p.Slug]
	r.mu.RUnlock()
	if taken && owner != p.ID {
		return nil, fmt.Errorf("%w: %s", ErrSlugConflict, p.Slug)
	}

	dir, err := r.fetcher.Fetch(ctx, p.PackageURL, p.Slug)
	if err != nil {
		return nil, err
	}

	rec, err := r.inspect(ctx, p, dir, log)
	if err != nil {
		if rmErr := r.fetcher.Remove(p.Slug); rmErr != nil {
			log.Warnf("failed to remove %s after load failure: %v", dir, rmErr)
		}
		return nil, err
	}

	r.mu.Lock()
	r.byID[p.ID] = rec
	r.bySlug[p.Slug] = p.ID
	r.mu.Unlock()

	log.WithField("hooks", rec.Hooks.Names()).Info("Loaded plugin")
	evt := events.New(events.PluginLoaded, p.ID, p.Slug, rec.Version)
	r.publisher.Publish(evt)
	return rec, nil
}

// inspect reads the extracted manifest and resolves hooks
func (r *Registry) inspect(ctx context.Context, p Plugin, dir string, log *logrus.Entry) (*Record, error) {
	m, _, err := manifest.LoadFromDir(dir)
	if err != nil {
		return nil, err
	}
	if m.Slug != p.Slug {
		return nil, fmt.Errorf("%w: expected %s, package declares %s", ErrManifestMismatch, p.Slug, m.Slug)
	}
	if res := manifest.Validate(m); !res.IsValid {
		return nil, res.Err()
	}

	var set hooks.Set
	if r.resolver != nil {
		if set, err = r.resolver.Resolve(p.Slug, dir, m.Hooks); err != nil {
			return nil, err
		}
	}
	if set == nil {
		set = hooks.Set{}
	}

	if r.backend != nil && m.Backend != nil && m.Backend.Entry != "" {
		if err := r.backend.RegisterModels(ctx, p.ID, dir, m.Backend); err != nil {
			log.Warnf("backend model registration failed, continuing: %v", err)
		}
	}

	return &Record{
		PluginID:  p.ID,
		Slug:      p.Slug,
		Version:   m.Version,
		Directory: dir,
		LoadedAt:  time.Now().UTC(),
		Manifest:  m,
		Hooks:     set,
	}, nil
}

// Unload drops the record for id and removes its directory. Unloading an id
// that is not resident is a no-op.
func (r *Registry) Unload(ctx context.Context, id string) error {
	rec, ok := r.forget(id)
	if !ok {
		return nil
	}

	if err := r.fetcher.Remove(rec.Slug); err != nil {
		return fmt.Errorf("failed to remove %s: %w", rec.Directory, err)
	}

	r.logger.WithFields(logrus.Fields{"plugin_id": id, "slug": rec.Slug}).Info("Unloaded plugin")
	r.publisher.Publish(events.New(events.PluginUnloaded, id, rec.Slug, rec.Version))
	return nil
}

// forget removes the record without touching the filesystem
func (r *Registry) forget(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if r.bySlug[rec.Slug] == id {
		delete(r.bySlug, rec.Slug)
	}
	return rec, true
}

// Get returns the record for id
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// GetBySlug returns the record loaded under slug
func (r *Registry) GetBySlug(slug string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySlug[slug]
	if !ok {
		return nil, false
	}
	rec, ok := r.byID[id]
	return rec, ok
}

// Directory returns the extracted directory of a loaded plugin
func (r *Registry) Directory(id string) (string, bool) {
	rec, ok := r.Get(id)
	if !ok {
		return "", false
	}
	return rec.Directory, true
}

// DirectoryBySlug returns the extracted directory for a loaded slug
func (r *Registry) DirectoryBySlug(slug string) (string, bool) {
	rec, ok := r.GetBySlug(slug)
	if !ok {
		return "", false
	}
	return rec.Directory, true
}

// List returns every loaded record ordered by slug
func (r *Registry) List() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Root returns the directory packages are extracted under
func (r *Registry) Root() string {
	return r.fetcher.Root()
}

// Len returns the number of loaded plugins
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
