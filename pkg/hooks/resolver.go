package hooks

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/platinummonkey/plugd/pkg/sandbox"
	"github.com/sirupsen/logrus"
)

// Container paths used for script hooks
const (
	containerPluginDir = "/plugin"
	DefaultImage       = "node:20-alpine"
)

// ResolverConfig controls how declared hook scripts are executed
type ResolverConfig struct {
	Image       string
	Timeout     time.Duration
	MemoryLimit int64
	CPULimit    float64
}

// Resolver turns a manifest's hook declarations into handler functions
type Resolver struct {
	registry *Registry
	runner   sandbox.Runner
	cfg      ResolverConfig
	logger   *logrus.Logger
}

// NewResolver creates a resolver. runner may be nil when only in-process
// handlers are used; declaring a script hook then fails resolution.
func NewResolver(registry *Registry, runner sandbox.Runner, cfg ResolverConfig, logger *logrus.Logger) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 256 * 1024 * 1024
	}
	if cfg.CPULimit <= 0 {
		cfg.CPULimit = 0.5
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{registry: registry, runner: runner, cfg: cfg, logger: logger}
}

// Resolve builds the hook set for a plugin extracted to dir. Registered
// handlers win; remaining declared hooks become sandboxed script runs.
func (r *Resolver) Resolve(slug, dir string, declared manifest.Hooks) (Set, error) {
	set := r.registry.Lookup(slug)

	for name, script := range declared.Declared() {
		if set.Has(Name(name)) {
			continue
		}
		rel, err := scriptPath(dir, script)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrHookPathInvalid, name, err)
		}
		if r.runner == nil {
			return nil, fmt.Errorf("%w: %s declares %s", ErrNoSandbox, slug, name)
		}
		set[Name(name)] = r.scriptHandler(Name(name), dir, rel)
	}
	return set, nil
}

// scriptPath returns script relative to dir after checking it stays inside
// and exists as a regular file.
func scriptPath(dir, script string) (string, error) {
	if filepath.IsAbs(script) {
		return "", fmt.Errorf("%s is absolute", script)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(script))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s escapes the plugin directory", script)
	}
	info, err := os.Lstat(full)
	if err != nil {
		return "", fmt.Errorf("%s: %w", script, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", script)
	}
	return filepath.ToSlash(rel), nil
}

func (r *Resolver) scriptHandler(name Name, dir, rel string) Handler {
	return func(ctx context.Context, hc Context) error {
		req := &sandbox.Request{
			Image: r.cfg.Image,
			Cmd:   []string{"node", path.Join(containerPluginDir, rel)},
			Env: map[string]string{
				"PLUGIN_ID":               hc.PluginID,
				"PLUGIN_SLUG":             hc.Slug,
				"PLUGIN_VERSION":          hc.Version,
				"PLUGIN_HOOK":             string(name),
				"PLUGIN_CONFIG":           string(hc.Config),
				"PLUGIN_PREVIOUS_VERSION": hc.PreviousVersion,
			},
			Mounts:          []sandbox.Mount{{Source: dir, Target: containerPluginDir, ReadOnly: true}},
			WorkDir:         containerPluginDir,
			MemoryLimit:     r.cfg.MemoryLimit,
			CPULimit:        r.cfg.CPULimit,
			Timeout:         r.cfg.Timeout,
			NetworkDisabled: true,
		}

		res, err := r.runner.Run(ctx, req)
		if res != nil && hc.Logger != nil {
			if out := strings.TrimSpace(res.Stdout); out != "" {
				hc.Logger.WithField("hook", name).Info(out)
			}
			if out := strings.TrimSpace(res.Stderr); out != "" {
				hc.Logger.WithField("hook", name).Warn(out)
			}
		}
		if err != nil {
			return fmt.Errorf("hook %s failed: %w", name, err)
		}
		return nil
	}
}
