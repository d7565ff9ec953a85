package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/plugd/pkg/loader"
	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
)

// Strategy names how a bundle was produced
type Strategy string

const (
	StrategyPrebuilt    Strategy = "prebuilt"
	StrategySynthesized Strategy = "synthesized"
)

// DefaultAssetPrefix is the URL prefix lazy component imports point at
const DefaultAssetPrefix = "/plugin-assets"

// ErrNoRecord is returned when Generate is called without a loaded record
var ErrNoRecord = errors.New("plugin is not loaded")

// prebuiltCandidates are checked in order before the compiled frontend entry
var prebuiltCandidates = []string{"dist/bundle.js", "dist/index.js", "bundle.js"}

// Metadata describes a generated bundle
type Metadata struct {
	PluginID string             `json:"pluginId"`
	Slug     string             `json:"slug"`
	Version  string             `json:"version"`
	Manifest *manifest.Manifest `json:"manifest"`
	Strategy Strategy           `json:"strategy"`

	// Source is the plugin-relative file a prebuilt bundle came from
	Source string `json:"source,omitempty"`
}

// Bundle is a browser-loadable ES module for one plugin
type Bundle struct {
	Content     []byte
	Metadata    Metadata
	ETag        string
	GeneratedAt time.Time
}

// Recorder receives bundle cache outcomes
type Recorder interface {
	RecordBundle(strategy string, cacheHit bool)
}

// Config controls caching and generated import URLs
type Config struct {
	CacheSize   int
	CacheTTL    time.Duration
	AssetPrefix string
}

// Generator produces bundles from loaded plugin directories. It never
// compiles anything: prebuilt output is relayed and anything else is
// described by a synthesized module.
type Generator struct {
	cfg      Config
	cache    *lru.LRU[string, *Bundle]
	recorder Recorder
	logger   *logrus.Logger
}

// NewGenerator creates a generator with an expiring LRU cache
func NewGenerator(cfg Config, logger *logrus.Logger) *Generator {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.AssetPrefix == "" {
		cfg.AssetPrefix = DefaultAssetPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Generator{
		cfg:    cfg,
		cache:  lru.NewLRU[string, *Bundle](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger,
	}
}

// SetRecorder installs a metrics recorder
func (g *Generator) SetRecorder(r Recorder) {
	g.recorder = r
}

// Generate returns the bundle for rec. Results are cached per load, so a
// reloaded plugin always gets a fresh bundle.
func (g *Generator) Generate(rec *loader.Record) (*Bundle, error) {
	if rec == nil || rec.Manifest == nil {
		return nil, ErrNoRecord
	}

	key := fmt.Sprintf("%s@%d", rec.PluginID, rec.LoadedAt.UnixNano())
	if b, ok := g.cache.Get(key); ok {
		g.record(b.Metadata.Strategy, true)
		return b, nil
	}

	meta := Metadata{
		PluginID: rec.PluginID,
		Slug:     rec.Slug,
		Version:  rec.Version,
		Manifest: rec.Manifest,
	}

	var body []byte
	if source, data, err := findPrebuilt(rec.Directory, rec.Manifest); err != nil {
		return nil, err
	} else if data != nil {
		meta.Strategy = StrategyPrebuilt
		meta.Source = source
		body = data
	} else {
		meta.Strategy = StrategySynthesized
		if body, err = g.synthesize(meta); err != nil {
			return nil, err
		}
	}

	preamble, err := metaPreamble(meta)
	if err != nil {
		return nil, err
	}
	content := append(preamble, body...)
	sum := sha256.Sum256(content)

	b := &Bundle{
		Content:     content,
		Metadata:    meta,
		ETag:        `"` + hex.EncodeToString(sum[:16]) + `"`,
		GeneratedAt: time.Now().UTC(),
	}
	g.cache.Add(key, b)
	g.record(meta.Strategy, false)

	g.logger.WithFields(logrus.Fields{
		"plugin_id": rec.PluginID,
		"slug":      rec.Slug,
		"strategy":  meta.Strategy,
	}).Debug("Generated plugin bundle")
	return b, nil
}

// Purge empties the cache
func (g *Generator) Purge() {
	g.cache.Purge()
}

func (g *Generator) record(s Strategy, hit bool) {
	if g.recorder != nil {
		g.recorder.RecordBundle(string(s), hit)
	}
}

// findPrebuilt returns the first existing prebuilt bundle, or nil data when
// none is present.
func findPrebuilt(dir string, m *manifest.Manifest) (string, []byte, error) {
	candidates := append([]string(nil), prebuiltCandidates...)
	if m.Frontend != nil && m.Frontend.Entry != "" {
		candidates = append(candidates, compiledPath(m.Frontend.Entry))
	}

	for _, rel := range candidates {
		rel = path.Clean(strings.TrimPrefix(rel, "./"))
		if rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			continue
		}
		full := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Lstat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		return rel, data, nil
	}
	return "", nil, nil
}

// compiledPath maps a source file to the module the build emits for it
func compiledPath(p string) string {
	switch ext := path.Ext(p); ext {
	case ".js", ".mjs":
		return p
	case ".vue":
		return p + ".js"
	case ".ts", ".tsx", ".jsx":
		return strings.TrimSuffix(p, ext) + ".js"
	default:
		return p + ".js"
	}
}

func metaPreamble(meta Metadata) ([]byte, error) {
	slug, err := json.Marshal(meta.Slug)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle metadata: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "(globalThis.__PLUGIN_META__ ||= {})[%s] = %s;\n", slug, data)
	return buf.Bytes(), nil
}

// synthesize writes an ES module exporting the manifest routes with lazily
// imported components.
func (g *Generator) synthesize(meta Metadata) ([]byte, error) {
	m := meta.Manifest
	enc := func(v interface{}) string {
		data, _ := json.Marshal(v)
		return string(data)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "export const pluginId = %s;\n", enc(meta.PluginID))
	fmt.Fprintf(&buf, "export const slug = %s;\n", enc(meta.Slug))
	fmt.Fprintf(&buf, "export const version = %s;\n", enc(meta.Version))
	fmt.Fprintf(&buf, "export const manifest = %s;\n", enc(m))

	buf.WriteString("export const routes = [\n")
	if m.Frontend != nil {
		for _, r := range m.Frontend.Routes {
			fmt.Fprintf(&buf, "  { path: %s, title: %s, icon: %s, component: () => import(%s) },\n",
				enc(r.Path), enc(r.Title), enc(r.Icon), enc(g.componentURL(meta.Slug, r.Component)))
		}
	}
	buf.WriteString("];\n")
	buf.WriteString("export default { pluginId, slug, version, manifest, routes };\n")
	return buf.Bytes(), nil
}

func (g *Generator) componentURL(slug, component string) string {
	rel := path.Clean("/" + strings.TrimPrefix(component, "./"))
	segments := strings.Split(strings.TrimPrefix(compiledPath(rel), "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(g.cfg.AssetPrefix, "/") + "/" + url.PathEscape(slug) + "/" + strings.Join(segments, "/")
}
