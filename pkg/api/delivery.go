package api

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/loader"
	"github.com/platinummonkey/plugd/pkg/observability"
)

// ErrPathEscapes is returned when an asset path resolves outside the plugin directory
var ErrPathEscapes = errors.New("asset path escapes plugin directory")

func (s *Server) resident(w http.ResponseWriter, r *http.Request) (*loader.Record, bool) {
	slug, ok := httputil.ParsePathStringOrError(w, r, "slug")
	if !ok {
		return nil, false
	}
	rec, ok := s.deps.Resident.GetBySlug(slug)
	if !ok {
		httputil.WriteNotFoundError(w, fmt.Sprintf("plugin %q is not loaded", slug))
		return nil, false
	}
	return rec, true
}

// getBundle handles GET /plugin-bundles/{slug}/bundle.js
func (s *Server) getBundle(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resident(w, r)
	if !ok {
		return
	}
	b, err := s.deps.Bundler.Generate(rec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", b.ETag)
	w.Header().Set("X-Plugin-Version", b.Metadata.Version)
	w.Header().Set("X-Plugin-Bundle-Strategy", string(b.Metadata.Strategy))
	http.ServeContent(w, r, "bundle.js", b.GeneratedAt, bytes.NewReader(b.Content))
}

// getBundleMetadata handles GET /plugin-bundles/{slug}/metadata
func (s *Server) getBundleMetadata(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resident(w, r)
	if !ok {
		return
	}
	b, err := s.deps.Bundler.Generate(rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteSuccess(w, b.Metadata)
}

// getAsset handles GET /plugin-assets/{slug}/{path}
func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resident(w, r)
	if !ok {
		return
	}

	rel := mux.Vars(r)["path"]
	full, err := resolveAsset(rec.Directory, rel)
	switch {
	case errors.Is(err, ErrPathEscapes):
		observability.FromContext(r.Context()).WithField("slug", rec.Slug).Warnf("Rejected asset path %q", rel)
		httputil.WriteForbidden(w, "forbidden")
		return
	case errors.Is(err, fs.ErrNotExist):
		httputil.WriteNotFoundError(w, "asset not found")
		return
	case err != nil:
		writeError(w, r, err)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		httputil.WriteNotFoundError(w, "asset not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		httputil.WriteNotFoundError(w, "asset not found")
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// resolveAsset joins rel onto dir and returns the real path, or
// ErrPathEscapes when the lexical or symlink-resolved path leaves dir
func resolveAsset(dir, rel string) (string, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}

	rel = strings.ReplaceAll(rel, `\`, "/")
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", fs.ErrNotExist
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, full) {
		return "", ErrPathEscapes
	}

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	if !within(root, resolved) {
		return "", ErrPathEscapes
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
