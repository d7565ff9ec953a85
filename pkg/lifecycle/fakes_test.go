package lifecycle

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/plugd/pkg/catalog"
	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/hooks"
	"github.com/platinummonkey/plugd/pkg/loader"
	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testManifest(slug, version string) *manifest.Manifest {
	return &manifest.Manifest{
		Name:        slug,
		Slug:        slug,
		Version:     version,
		Description: "test plugin",
		Category:    "tools",
		Frontend:    &manifest.FrontendEntry{Entry: "src/index.ts"},
		Permissions: []manifest.PermissionDecl{{
			Resource:     slug + "-items",
			Actions:      []string{"view", "edit"},
			DefaultRoles: map[string]manifest.RoleDefaults{"ADMIN": {CanView: true, CanEdit: true}},
		}},
	}
}

// memStore is an in-memory Store
type memStore struct {
	mu        sync.Mutex
	records   map[string]*InstalledPlugin
	saveErr   func(p *InstalledPlugin) error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*InstalledPlugin)}
}

func (s *memStore) Create(_ context.Context, p *InstalledPlugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[p.ID]; ok {
		return errors.New("duplicate id")
	}
	s.records[p.ID] = p.Clone()
	return nil
}

func (s *memStore) Save(_ context.Context, p *InstalledPlugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		if err := s.saveErr(p); err != nil {
			return err
		}
	}
	if _, ok := s.records[p.ID]; !ok {
		return ErrPluginNotFound
	}
	s.records[p.ID] = p.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.records[id]; !ok {
		return ErrPluginNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*InstalledPlugin, error) {
	return s.find(func(p *InstalledPlugin) bool { return p.ID == id })
}

func (s *memStore) GetByPublisherRef(_ context.Context, ref string) (*InstalledPlugin, error) {
	return s.find(func(p *InstalledPlugin) bool { return p.PublisherReferenceID == ref })
}

func (s *memStore) GetBySlug(_ context.Context, slug string) (*InstalledPlugin, error) {
	return s.find(func(p *InstalledPlugin) bool { return p.Slug == slug })
}

func (s *memStore) List(_ context.Context) ([]*InstalledPlugin, error) {
	return s.filter(func(*InstalledPlugin) bool { return true }), nil
}

func (s *memStore) ListByStatus(_ context.Context, statuses ...Status) ([]*InstalledPlugin, error) {
	return s.filter(func(p *InstalledPlugin) bool {
		for _, st := range statuses {
			if p.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (s *memStore) find(match func(*InstalledPlugin) bool) (*InstalledPlugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.records {
		if match(p) {
			return p.Clone(), nil
		}
	}
	return nil, ErrPluginNotFound
}

func (s *memStore) filter(match func(*InstalledPlugin) bool) []*InstalledPlugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*InstalledPlugin
	for _, p := range s.records {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// fakeCatalog serves listings from a map
type fakeCatalog struct {
	mu       sync.Mutex
	listings map[string]*catalog.Listing
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{listings: make(map[string]*catalog.Listing)}
}

func (c *fakeCatalog) publish(ref, slug, version string) *catalog.Listing {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &catalog.Listing{
		ID:         ref,
		Slug:       slug,
		Version:    version,
		PackageURL: "https://cdn.example.com/" + slug + "-" + version + ".tar.gz",
		Manifest:   testManifest(slug, version),
	}
	c.listings[ref] = l
	return l
}

func (c *fakeCatalog) Get(_ context.Context, ref string) (*catalog.Listing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.listings[ref]
	if !ok {
		return nil, catalog.ErrListingNotFound
	}
	cp := *l
	cp.Manifest = l.Manifest.Clone()
	return &cp, nil
}

// fakeLoader tracks resident records without touching disk
type fakeLoader struct {
	mu       sync.Mutex
	records  map[string]*loader.Record
	hooks    map[string]hooks.Set // by version
	loadErr  map[string]error     // by version
	loads    int
	unloads  int
	loadedAt []string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		records: make(map[string]*loader.Record),
		hooks:   make(map[string]hooks.Set),
		loadErr: make(map[string]error),
	}
}

func (l *fakeLoader) Load(_ context.Context, p loader.Plugin) (*loader.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[p.ID]; ok {
		return rec, nil
	}
	if err := l.loadErr[p.Version]; err != nil {
		return nil, err
	}
	l.loads++
	l.loadedAt = append(l.loadedAt, p.Version)
	set := l.hooks[p.Version]
	if set == nil {
		set = hooks.Set{}
	}
	rec := &loader.Record{
		PluginID:  p.ID,
		Slug:      p.Slug,
		Version:   p.Version,
		Directory: "/plugins/" + p.Slug,
		LoadedAt:  time.Now(),
		Manifest:  testManifest(p.Slug, p.Version),
		Hooks:     set,
	}
	l.records[p.ID] = rec
	return rec, nil
}

func (l *fakeLoader) Unload(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[id]; ok {
		l.unloads++
		delete(l.records, id)
	}
	return nil
}

func (l *fakeLoader) Get(id string) (*loader.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	return rec, ok
}

// fakePermissions counts rows per plugin
type fakePermissions struct {
	mu            sync.Mutex
	rows          map[string]int
	registerErr   error
	unregisterErr error
}

func newFakePermissions() *fakePermissions {
	return &fakePermissions{rows: make(map[string]int)}
}

func (f *fakePermissions) Register(_ context.Context, id string, m *manifest.Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.rows[id] = len(m.Permissions) * 3
	return nil
}

func (f *fakePermissions) Unregister(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unregisterErr != nil {
		return f.unregisterErr
	}
	delete(f.rows, id)
	return nil
}

func (f *fakePermissions) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// recordingRecorder counts measurements
type recordingRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	hookErrors  int
}

func (r *recordingRecorder) RecordTransition(op string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitions == nil {
		r.transitions = make(map[string]int)
	}
	r.transitions[op]++
}

func (r *recordingRecorder) RecordHook(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.hookErrors++
	}
}
