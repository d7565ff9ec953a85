package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/platinummonkey/plugd/pkg/sandbox"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	requests []*sandbox.Request
	result   *sandbox.Result
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, req *sandbox.Request) (*sandbox.Result, error) {
	f.requests = append(f.requests, req)
	if f.result == nil {
		return &sandbox.Result{}, f.err
	}
	return f.result, f.err
}

func (f *fakeRunner) Close() error { return nil }

func writeScript(t *testing.T, dir, rel string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("console.log('hi')"), 0o644))
}

func TestResolve_ScriptHookRunsInSandbox(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hooks/install.js")

	runner := &fakeRunner{result: &sandbox.Result{Stdout: "ok"}}
	r := NewResolver(nil, runner, ResolverConfig{}, nil)

	set, err := r.Resolve("hello", dir, manifest.Hooks{OnInstall: "hooks/install.js"})
	require.NoError(t, err)
	require.True(t, set.Has(OnInstall))
	assert.False(t, set.Has(OnActivate))

	err = set[OnInstall](context.Background(), Context{
		PluginID: "p1",
		Slug:     "hello",
		Config:   []byte(`{"a":1}`),
		Logger:   logrus.NewEntry(logrus.New()),
	})
	require.NoError(t, err)

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, DefaultImage, req.Image)
	assert.Equal(t, []string{"node", "/plugin/hooks/install.js"}, req.Cmd)
	assert.True(t, req.NetworkDisabled)
	assert.Equal(t, "onInstall", req.Env["PLUGIN_HOOK"])
	assert.Equal(t, `{"a":1}`, req.Env["PLUGIN_CONFIG"])
	require.Len(t, req.Mounts, 1)
	assert.True(t, req.Mounts[0].ReadOnly)
	assert.Equal(t, dir, req.Mounts[0].Source)
}

func TestResolve_RegisteredHandlerWins(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "hooks/install.js")

	reg := NewRegistry()
	called := false
	reg.Register("hello", OnInstall, func(ctx context.Context, hc Context) error {
		called = true
		return nil
	})
	reg.Register("hello", OnUninstall, func(ctx context.Context, hc Context) error { return nil })

	runner := &fakeRunner{}
	set, err := NewResolver(reg, runner, ResolverConfig{}, nil).
		Resolve("hello", dir, manifest.Hooks{OnInstall: "hooks/install.js"})
	require.NoError(t, err)

	require.NoError(t, set[OnInstall](context.Background(), Context{}))
	assert.True(t, called)
	assert.Empty(t, runner.requests)
	assert.Equal(t, []string{"onInstall", "onUninstall"}, set.Names())
}

func TestResolve_InvalidPaths(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	writeScript(t, outside, "evil.js")
	require.NoError(t, os.Symlink(filepath.Join(outside, "evil.js"), filepath.Join(dir, "link.js")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "adir"), 0o755))

	r := NewResolver(nil, &fakeRunner{}, ResolverConfig{}, nil)
	for name, script := range map[string]string{
		"escape":   "../evil.js",
		"absolute": "/etc/passwd",
		"missing":  "nope.js",
		"symlink":  "link.js",
		"dir":      "adir",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve("hello", dir, manifest.Hooks{OnActivate: script})
			assert.ErrorIs(t, err, ErrHookPathInvalid)
		})
	}
}

func TestResolve_ScriptWithoutRunner(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.js")

	_, err := NewResolver(nil, nil, ResolverConfig{}, nil).Resolve("hello", dir, manifest.Hooks{OnUpdate: "a.js"})
	assert.ErrorIs(t, err, ErrNoSandbox)
}

func TestScriptHandler_PropagatesFailure(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.js")

	runner := &fakeRunner{
		result: &sandbox.Result{ExitCode: 1, Stderr: "boom"},
		err:    sandbox.ErrContainerFailed,
	}
	set, err := NewResolver(nil, runner, ResolverConfig{}, nil).Resolve("hello", dir, manifest.Hooks{OnUpdate: "a.js"})
	require.NoError(t, err)

	err = set[OnUpdate](context.Background(), Context{PreviousVersion: "1.0.0"})
	assert.True(t, errors.Is(err, sandbox.ErrContainerFailed))
	assert.Equal(t, "1.0.0", runner.requests[0].Env["PLUGIN_PREVIOUS_VERSION"])
}

func TestRegistry_LookupReturnsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", OnInstall, func(context.Context, Context) error { return nil })

	set := reg.Lookup("a")
	set[OnUninstall] = func(context.Context, Context) error { return nil }

	assert.False(t, reg.Lookup("a").Has(OnUninstall))
	assert.Empty(t, reg.Lookup("missing"))
}
