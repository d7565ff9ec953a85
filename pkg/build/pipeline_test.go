package build

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

const pluginJSON = `{
  "name": "Notes",
  "slug": "notes",
  "version": "1.2.0",
  "description": "Take notes",
  "category": "productivity",
  "frontend": {"entry": "src/index.ts"}
}`

// fakeToolchain compiles by copying sources and records what it was asked
type fakeToolchain struct {
	mu         sync.Mutex
	installs   int
	jobs       []CompileJob
	installErr error
	templateFn func(src TemplateSource) (string, error)
}

func (f *fakeToolchain) Install(_ context.Context, ws string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	if f.installErr != nil {
		return f.installErr
	}
	return os.MkdirAll(filepath.Join(ws, "node_modules", "left-pad"), 0o755)
}

func (f *fakeToolchain) Compile(_ context.Context, job CompileJob) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	for _, rel := range job.Files {
		src := filepath.Join(job.Workspace, filepath.FromSlash(rel))
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".js"
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeToolchain) CompileScript(_ context.Context, _ string, src ScriptSource) (string, error) {
	return src.Content, nil
}

func (f *fakeToolchain) CompileTemplate(_ context.Context, _ string, src TemplateSource) (string, error) {
	if f.templateFn != nil {
		return f.templateFn(src)
	}
	return "export function render(_ctx) { return null }", nil
}

type fakeUploader struct {
	keys []string
	body []byte
	err  error
}

func (u *fakeUploader) Key(parts ...string) string {
	return "plugins/" + strings.Join(parts, "/")
}

func (u *fakeUploader) Put(_ context.Context, key string, body io.Reader, _ int64, _ string, _ map[string]string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	u.keys = append(u.keys, key)
	u.body = data
	return "s3://bucket/" + key, nil
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []string
}

func (r *stageRecorder) RecordStage(stage string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func sourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"plugin.json":               pluginJSON,
		"package.json":              `{"name":"notes"}`,
		"src/index.ts":              "import type { Note } from './types';\nimport NoteList from './NoteList.vue';\nexport default NoteList;\n",
		"src/types.ts":              "export interface Note { id: string }\n",
		"src/NoteList.vue":          "<template><ul><li v-for=\"n in notes\">{{ n }}</li></ul></template>\n<script>\nexport default { name: 'NoteList' }\n</script>\n<style>\nul { margin: 0 }\n</style>\n",
		"node_modules/junk/x.js":    "ignored",
		".git/HEAD":                 "ref: refs/heads/main",
		"dist/old-bundle.js":        "stale",
		"README.md":                 "# notes",
	})
	return dir
}

func archiveEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(zr)

	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, 0, hdr.Uid)
		assert.True(t, hdr.ModTime.Equal(epoch))
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
	return out
}

func TestBuild_ProducesPackage(t *testing.T) {
	src := sourceTree(t)
	tc := &fakeToolchain{}
	up := &fakeUploader{}
	rec := &stageRecorder{}
	p := NewPipeline(Config{OutputDir: t.TempDir(), WorkspaceRoot: t.TempDir()}, tc, up, testLogger())
	p.SetRecorder(rec)

	res, err := p.Build(context.Background(), Request{SourceDir: src, DeveloperID: "dev-7"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "notes", res.PluginSlug)
	assert.Equal(t, "1.2.0", res.Version)
	assert.Len(t, res.Checksum, 64)
	assert.Positive(t, res.SizeBytes)
	assert.Equal(t, "s3://bucket/plugins/dev-7/notes/1.2.0/notes-1.2.0.tar.gz", res.ObjectStorageURL)
	assert.Equal(t, []string{"plugins/dev-7/notes/1.2.0/notes-1.2.0.tar.gz"}, up.keys)
	assert.Equal(t, 1, tc.installs)

	require.Len(t, tc.jobs, 1)
	assert.Equal(t, TargetBrowser, tc.jobs[0].Target)
	assert.Equal(t, []string{"src/index.ts", "src/types.ts"}, tc.jobs[0].Files)

	entries := archiveEntries(t, res.ArchivePath)
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Contains(t, names, "plugin.json")
	assert.Contains(t, names, "src/NoteList.vue.js")
	assert.Contains(t, names, "node_modules/left-pad/")
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, ".git"), n)
		assert.False(t, strings.HasPrefix(n, "dist/"), n)
		assert.False(t, strings.HasPrefix(n, scratchDir), n)
		assert.False(t, strings.HasPrefix(n, "node_modules/junk"), n)
	}

	index := entries["src/index.js"]
	assert.NotContains(t, index, "import type")
	assert.Contains(t, index, "from './NoteList.vue.js'")

	sfc := entries["src/NoteList.vue.js"]
	assert.Contains(t, sfc, "const __sfc__ = { name: 'NoteList' }")
	assert.Contains(t, sfc, "__sfc__.render = render;")
	assert.Contains(t, sfc, "document.createElement(\"style\")")
	assert.True(t, strings.HasSuffix(sfc, "export default __sfc__;\n"))

	assert.Contains(t, rec.stages, string(StageUpload))
	assert.Contains(t, rec.stages, string(StageCleanup))
}

func TestBuild_ChecksumIsDeterministic(t *testing.T) {
	src := sourceTree(t)

	build := func() *Result {
		p := NewPipeline(Config{OutputDir: t.TempDir()}, &fakeToolchain{}, nil, testLogger())
		res, err := p.Build(context.Background(), Request{SourceDir: src})
		require.NoError(t, err)
		return res
	}

	first := build()
	time.Sleep(1100 * time.Millisecond)
	second := build()
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.SizeBytes, second.SizeBytes)
	assert.Empty(t, first.ObjectStorageURL)
}

func TestBuild_CollectsStageErrorsAndSkipsUpload(t *testing.T) {
	src := sourceTree(t)
	tc := &fakeToolchain{
		installErr: errors.New("npm ERR! 404 left-pad"),
		templateFn: func(TemplateSource) (string, error) { return "", errors.New("unclosed tag") },
	}
	up := &fakeUploader{}
	p := NewPipeline(Config{OutputDir: t.TempDir()}, tc, up, testLogger())

	res, err := p.Build(context.Background(), Request{SourceDir: src})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBuildFailed))

	var be *Error
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Errors, 2)
	assert.Equal(t, StageInstall, be.Errors[0].Stage)
	assert.Equal(t, StageComponents, be.Errors[1].Stage)
	assert.Contains(t, be.Errors[1].Message, "src/NoteList.vue")

	assert.False(t, res.Success)
	assert.Len(t, res.Errors, 2)
	assert.NotEmpty(t, res.ArchivePath)
	assert.NotEmpty(t, res.Checksum)
	assert.Empty(t, res.ObjectStorageURL)
	assert.Empty(t, up.keys)
}

func TestBuild_UploadFailureIsFatal(t *testing.T) {
	p := NewPipeline(Config{OutputDir: t.TempDir()}, &fakeToolchain{}, &fakeUploader{err: errors.New("access denied")}, testLogger())
	res, err := p.Build(context.Background(), Request{SourceDir: sourceTree(t)})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors[0], "upload: access denied")
}

func TestBuild_InvalidManifest(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"plugin.json": `{"name":"x","version":"1.0.0"}`})

	p := NewPipeline(Config{OutputDir: t.TempDir()}, &fakeToolchain{}, nil, testLogger())
	res, err := p.Build(context.Background(), Request{SourceDir: dir})
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, manifest.ErrManifestInvalid))
	assert.Contains(t, err.Error(), "slug is required")
}

func TestBuild_RemovesWorkspace(t *testing.T) {
	root := t.TempDir()
	p := NewPipeline(Config{OutputDir: t.TempDir(), WorkspaceRoot: root}, &fakeToolchain{}, nil, testLogger())
	_, err := p.Build(context.Background(), Request{SourceDir: sourceTree(t)})
	require.NoError(t, err)

	left, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBuild_BackendCompiledForNode(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"plugin.json":       `{"name":"Api","slug":"api","version":"0.1.0","description":"d","category":"c","backend":{"entry":"server/index.ts"}}`,
		"server/index.ts":   "export const x = 1;\n",
		"server/types.d.ts": "declare const y: number;\n",
	})
	tc := &fakeToolchain{}
	p := NewPipeline(Config{OutputDir: t.TempDir()}, tc, nil, testLogger())
	_, err := p.Build(context.Background(), Request{SourceDir: dir})
	require.NoError(t, err)

	require.Len(t, tc.jobs, 1)
	assert.Equal(t, TargetServer, tc.jobs[0].Target)
	assert.Equal(t, []string{"server/index.ts"}, tc.jobs[0].Files)
	assert.Zero(t, tc.installs, "no package.json")
}
