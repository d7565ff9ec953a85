package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelIndex_RegisterModels(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backend"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backend", "index.js"), []byte("module.exports = {}"), 0o644))

	idx := NewModelIndex(nil)
	err := idx.RegisterModels(context.Background(), "p1", dir, &manifest.BackendEntry{
		Entry:  "backend/index.js",
		Models: []string{"Task", "Note"},
	})
	require.NoError(t, err)

	models, ok := idx.Models("p1")
	require.True(t, ok)
	assert.Equal(t, []string{"Note", "Task"}, models)
}

func TestModelIndex_RejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	idx := NewModelIndex(nil)

	tests := []struct {
		name  string
		entry string
	}{
		{"missing file", "backend/index.js"},
		{"escapes directory", "../outside.js"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := idx.RegisterModels(context.Background(), "p1", dir, &manifest.BackendEntry{Entry: tt.entry})
			require.Error(t, err)
			_, ok := idx.Models("p1")
			assert.False(t, ok)
		})
	}
}

func TestModelIndex_WiredIntoRegistry(t *testing.T) {
	fetcher := newFakeFetcher(t)
	fetcher.manifest["hello"] = manifestJSON("hello")
	idx := NewModelIndex(nil)
	reg := NewRegistry(fetcher, nil, nil, nil)
	reg.SetBackendRegistrar(idx)

	// the fake package ships no backend entry file
	_, err := reg.Load(context.Background(), Plugin{ID: "p1", Slug: "hello"})
	require.NoError(t, err)
	_, ok := idx.Models("p1")
	assert.False(t, ok)
	require.NoError(t, reg.Unload(context.Background(), "p1"))

	fetcher.manifest["notes"] = manifestJSON("notes")
	entry := filepath.Join(fetcher.Root(), "notes", "backend", "index.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(entry), 0o755))
	require.NoError(t, os.WriteFile(entry, []byte("module.exports = {}"), 0o644))

	_, err = reg.Load(context.Background(), Plugin{ID: "p2", Slug: "notes"})
	require.NoError(t, err)
	models, ok := idx.Models("p2")
	require.True(t, ok)
	assert.Equal(t, []string{"Note"}, models)
}
