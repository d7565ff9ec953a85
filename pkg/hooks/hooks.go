package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
)

// Name identifies a lifecycle hook
type Name string

const (
	OnInstall    Name = manifest.HookOnInstall
	OnActivate   Name = manifest.HookOnActivate
	OnDeactivate Name = manifest.HookOnDeactivate
	OnUpdate     Name = manifest.HookOnUpdate
	OnUninstall  Name = manifest.HookOnUninstall
)

var (
	// ErrHookPathInvalid is returned when a declared script is outside the plugin or missing
	ErrHookPathInvalid = errors.New("invalid hook path")

	// ErrNoSandbox is returned when a script hook is declared but no runner is configured
	ErrNoSandbox = errors.New("no sandbox configured for hook scripts")
)

// Context is passed to every hook invocation
type Context struct {
	PluginID        string
	Slug            string
	Version         string
	Directory       string
	Config          json.RawMessage
	PreviousVersion string
	Logger          *logrus.Entry
}

// Handler executes one hook
type Handler func(ctx context.Context, hc Context) error

// Set holds the handlers resolved for one loaded plugin
type Set map[Name]Handler

// Has reports whether a handler exists for name
func (s Set) Has(name Name) bool {
	return s[name] != nil
}

// Names returns the resolved hook names in sorted order
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}

// Registry holds in-process hook handlers registered by host code per slug.
// These take precedence over scripts declared in the manifest.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Set
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Set)}
}

// Register installs h for the named hook of slug, replacing any previous handler
func (r *Registry) Register(slug string, name Name, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.handlers[slug]
	if !ok {
		set = make(Set)
		r.handlers[slug] = set
	}
	set[name] = h
}

// Lookup returns a copy of the handlers registered for slug
func (r *Registry) Lookup(slug string) Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Set, len(r.handlers[slug]))
	for n, h := range r.handlers[slug] {
		out[n] = h
	}
	return out
}
