package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/hooks"
	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *memStore
	catalog   *fakeCatalog
	loader    *fakeLoader
	perms     *fakePermissions
	publisher *recordingPublisher
	recorder  *recordingRecorder
	orch      *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		catalog:   newFakeCatalog(),
		loader:    newFakeLoader(),
		perms:     newFakePermissions(),
		publisher: &recordingPublisher{},
		recorder:  &recordingRecorder{},
	}
	h.orch = NewOrchestrator(h.store, h.catalog, h.loader, h.perms, h.publisher, Config{HookTimeout: time.Second}, testLogger())
	h.orch.SetRecorder(h.recorder)
	return h
}

func failing(msg string) hooks.Handler {
	return func(context.Context, hooks.Context) error { return errors.New(msg) }
}

func (h *harness) install(t *testing.T, ref, slug, version string) *InstalledPlugin {
	t.Helper()
	h.catalog.publish(ref, slug, version)
	p, err := h.orch.Install(context.Background(), ref, "user-1")
	require.NoError(t, err)
	return p
}

func TestInstall_EndsInstalledAndInactive(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")

	stored, err := h.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, stored.Status)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "user-1", stored.InstalledBy)
	assert.Equal(t, "pub-notes", stored.PublisherReferenceID)
	assert.Empty(t, stored.ErrorMessage)

	_, resident := h.loader.Get(p.ID)
	assert.False(t, resident)
	assert.Equal(t, 3, h.perms.count(p.ID))
	assert.Equal(t, []events.Type{events.PluginInstalling, events.PluginInstalled}, h.publisher.types())
	assert.Equal(t, 1, h.recorder.transitions["install"])
}

func TestInstall_RunsInstallHook(t *testing.T) {
	h := newHarness(t)
	var got hooks.Context
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnInstall: func(_ context.Context, hc hooks.Context) error {
		got = hc
		return nil
	}}

	p := h.install(t, "pub-notes", "notes", "1.0.0")
	assert.Equal(t, p.ID, got.PluginID)
	assert.Equal(t, "notes", got.Slug)
	assert.Equal(t, "/plugins/notes", got.Directory)
	assert.JSONEq(t, `{}`, string(got.Config))
}

func TestInstall_Duplicate(t *testing.T) {
	h := newHarness(t)
	h.install(t, "pub-notes", "notes", "1.0.0")

	_, err := h.orch.Install(context.Background(), "pub-notes", "user-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPluginAlreadyInstalled))
	assert.Equal(t, "Plugin already installed", err.Error())
}

func TestInstall_SlugAlreadyInUse(t *testing.T) {
	h := newHarness(t)
	h.install(t, "pub-notes", "notes", "1.0.0")
	h.catalog.publish("pub-notes-fork", "notes", "2.0.0")

	_, err := h.orch.Install(context.Background(), "pub-notes-fork", "user-1")
	assert.True(t, errors.Is(err, ErrPluginAlreadyInstalled))
}

func TestInstall_InvalidManifestCreatesNothing(t *testing.T) {
	h := newHarness(t)
	l := h.catalog.publish("pub-bad", "bad", "1.0.0")
	l.Manifest.Category = ""

	_, err := h.orch.Install(context.Background(), "pub-bad", "user-1")
	assert.True(t, errors.Is(err, manifest.ErrManifestInvalid))

	all, _ := h.store.List(context.Background())
	assert.Empty(t, all)
}

func TestInstall_UnknownListing(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Install(context.Background(), "nope", "user-1")
	assert.Error(t, err)

	_, err = h.orch.Install(context.Background(), "", "user-1")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestInstall_HookFailureEndsFailed(t *testing.T) {
	h := newHarness(t)
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnInstall: failing("migration exploded")}
	h.catalog.publish("pub-notes", "notes", "1.0.0")

	p, err := h.orch.Install(context.Background(), "pub-notes", "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookExecutionFailed))

	stored, err := h.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "migration exploded")

	_, resident := h.loader.Get(p.ID)
	assert.False(t, resident)
	assert.Zero(t, h.perms.count(p.ID))
	assert.Equal(t, []events.Type{events.PluginInstalling, events.PluginInstallFailed}, h.publisher.types())
	assert.Equal(t, 1, h.recorder.hookErrors)
}

func TestInstall_LoadFailureEndsFailed(t *testing.T) {
	h := newHarness(t)
	h.loader.loadErr["1.0.0"] = errors.New("download failed")
	h.catalog.publish("pub-notes", "notes", "1.0.0")

	p, err := h.orch.Install(context.Background(), "pub-notes", "user-1")
	require.Error(t, err)
	stored, _ := h.store.Get(context.Background(), p.ID)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestInstall_PermissionFailureEndsFailed(t *testing.T) {
	h := newHarness(t)
	h.perms.registerErr = errors.New("db down")
	h.catalog.publish("pub-notes", "notes", "1.0.0")

	p, err := h.orch.Install(context.Background(), "pub-notes", "user-1")
	require.Error(t, err)
	stored, _ := h.store.Get(context.Background(), p.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.NotEqual(t, StatusInstalling, stored.Status)
}

func TestInstall_HookPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnInstall: func(context.Context, hooks.Context) error {
		panic("nil map")
	}}
	h.catalog.publish("pub-notes", "notes", "1.0.0")

	p, err := h.orch.Install(context.Background(), "pub-notes", "user-1")
	assert.True(t, errors.Is(err, ErrHookExecutionFailed))
	assert.Equal(t, StatusFailed, p.Status)
}

func TestInstall_HookTimeout(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.HookTimeout = 20 * time.Millisecond
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnInstall: func(ctx context.Context, _ hooks.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	h.catalog.publish("pub-notes", "notes", "1.0.0")

	_, err := h.orch.Install(context.Background(), "pub-notes", "user-1")
	assert.True(t, errors.Is(err, ErrHookExecutionFailed))
}

func TestSetActive_TogglesAndStampsActivation(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	ctx := context.Background()

	activated, err := h.orch.SetActive(ctx, p.ID, true)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)
	require.NotNil(t, activated.LastActivatedAt)
	first := *activated.LastActivatedAt

	_, resident := h.loader.Get(p.ID)
	assert.True(t, resident)

	deactivated, err := h.orch.SetActive(ctx, p.ID, false)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	require.NotNil(t, deactivated.LastActivatedAt)
	assert.Equal(t, first, *deactivated.LastActivatedAt)

	_, resident = h.loader.Get(p.ID)
	assert.False(t, resident)
}

func TestSetActive_ReactivationIsNoop(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	ctx := context.Background()

	_, err := h.orch.SetActive(ctx, p.ID, true)
	require.NoError(t, err)
	rec, _ := h.loader.Get(p.ID)
	loads := h.loader.loads
	eventCount := len(h.publisher.types())

	again, err := h.orch.SetActive(ctx, p.ID, true)
	require.NoError(t, err)
	assert.True(t, again.IsActive)

	same, _ := h.loader.Get(p.ID)
	assert.Same(t, rec, same)
	assert.Equal(t, rec.Directory, same.Directory)
	assert.Equal(t, loads, h.loader.loads)
	assert.Len(t, h.publisher.types(), eventCount)
}

func TestSetActive_HookFailureLeavesRecordUnchanged(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnActivate: failing("nope")}

	_, err := h.orch.SetActive(context.Background(), p.ID, true)
	assert.True(t, errors.Is(err, ErrHookExecutionFailed))

	stored, _ := h.store.Get(context.Background(), p.ID)
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.LastActivatedAt)
	_, resident := h.loader.Get(p.ID)
	assert.False(t, resident)
}

func TestSetActive_RejectsFailedPlugin(t *testing.T) {
	h := newHarness(t)
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnInstall: failing("boom")}
	h.catalog.publish("pub-notes", "notes", "1.0.0")
	p, _ := h.orch.Install(context.Background(), "pub-notes", "user-1")

	_, err := h.orch.SetActive(context.Background(), p.ID, true)
	assert.True(t, errors.Is(err, ErrInvalidState))

	_, err = h.orch.SetActive(context.Background(), "missing", true)
	assert.True(t, errors.Is(err, ErrPluginNotFound))
}

func TestUpdate_MovesToCatalogVersion(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	_, err := h.orch.SetActive(context.Background(), p.ID, true)
	require.NoError(t, err)

	var previous string
	h.loader.hooks["1.1.0"] = hooks.Set{hooks.OnUpdate: func(_ context.Context, hc hooks.Context) error {
		previous = hc.PreviousVersion
		return nil
	}}
	h.catalog.publish("pub-notes", "notes", "1.1.0")

	updated, err := h.orch.Update(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", updated.Version)
	assert.Equal(t, StatusInstalled, updated.Status)
	assert.Equal(t, "1.0.0", previous)

	rec, resident := h.loader.Get(p.ID)
	require.True(t, resident)
	assert.Equal(t, "1.1.0", rec.Version)
}

func TestUpdate_InactivePluginIsNotLeftResident(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	h.catalog.publish("pub-notes", "notes", "1.1.0")

	_, err := h.orch.Update(context.Background(), p.ID)
	require.NoError(t, err)
	_, resident := h.loader.Get(p.ID)
	assert.False(t, resident)
}

func TestUpdate_HookFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	ctx := context.Background()
	_, err := h.orch.UpdateConfig(ctx, p.ID, json.RawMessage(`{"theme":"dark"}`))
	require.NoError(t, err)
	_, err = h.orch.SetActive(ctx, p.ID, true)
	require.NoError(t, err)

	before, _ := h.store.Get(ctx, p.ID)
	h.loader.hooks["2.0.0"] = hooks.Set{hooks.OnUpdate: failing("schema migration failed")}
	h.catalog.publish("pub-notes", "notes", "2.0.0")

	_, err = h.orch.Update(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHookExecutionFailed))

	after, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.PackageURL, after.PackageURL)
	assert.Equal(t, before.Manifest, after.Manifest)
	assert.JSONEq(t, string(before.Config), string(after.Config))
	assert.Contains(t, after.ErrorMessage, "schema migration failed")
	assert.True(t, after.IsActive)

	rec, resident := h.loader.Get(p.ID)
	require.True(t, resident)
	assert.Equal(t, "1.0.0", rec.Version)
	assert.Contains(t, h.publisher.types(), events.PluginUpdateRolledBack)
}

func TestUpdate_RollbackFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	ctx := context.Background()
	_, err := h.orch.SetActive(ctx, p.ID, true)
	require.NoError(t, err)

	h.loader.hooks["2.0.0"] = hooks.Set{hooks.OnUpdate: failing("boom")}
	h.catalog.publish("pub-notes", "notes", "2.0.0")
	h.loader.loadErr["1.0.0"] = errors.New("old package gone")

	_, err = h.orch.Update(ctx, p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback failed")
	assert.Contains(t, err.Error(), "old package gone")

	after, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, after.Status)
	assert.Equal(t, "1.0.0", after.Version)
	assert.Contains(t, after.ErrorMessage, "boom")
	assert.Contains(t, after.ErrorMessage, "old package gone")
}

func TestUpdate_AlreadyUpToDate(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")

	_, err := h.orch.Update(context.Background(), p.ID)
	assert.True(t, errors.Is(err, ErrUpToDate))
	assert.Equal(t, "Plugin is already up to date", err.Error())
}

func TestUninstall_RemovesEverything(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	ctx := context.Background()
	_, err := h.orch.SetActive(ctx, p.ID, true)
	require.NoError(t, err)

	ran := false
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnUninstall: func(context.Context, hooks.Context) error {
		ran = true
		return nil
	}}
	// hook set is resolved at load; reload so the new set applies
	require.NoError(t, h.loader.Unload(ctx, p.ID))

	require.NoError(t, h.orch.Uninstall(ctx, p.ID))
	assert.True(t, ran)
	assert.Zero(t, h.perms.count(p.ID))

	_, err = h.store.Get(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrPluginNotFound))
	_, resident := h.loader.Get(p.ID)
	assert.False(t, resident)
	assert.Contains(t, h.publisher.types(), events.PluginUninstalled)
}

func TestUninstall_UnknownID(t *testing.T) {
	h := newHarness(t)
	err := h.orch.Uninstall(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, "Plugin not found", err.Error())
}

func TestUninstall_FailureRestoresStatus(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	h.perms.unregisterErr = errors.New("orphaned rows")

	err := h.orch.Uninstall(context.Background(), p.ID)
	require.Error(t, err)

	stored, err := h.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, stored.Status)
}

func TestUninstall_DeleteFailureRestoresPermissions(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	rows := h.perms.count(p.ID)
	require.NotZero(t, rows)
	h.store.deleteErr = errors.New("connection reset")

	err := h.orch.Uninstall(context.Background(), p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	stored, err := h.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, stored.Status)
	assert.Equal(t, rows, h.perms.count(p.ID))
}

func TestUninstall_FailedPluginWithMissingPackage(t *testing.T) {
	h := newHarness(t)
	h.loader.loadErr["1.0.0"] = errors.New("404")
	h.catalog.publish("pub-notes", "notes", "1.0.0")
	p, err := h.orch.Install(context.Background(), "pub-notes", "user-1")
	require.Error(t, err)

	require.NoError(t, h.orch.Uninstall(context.Background(), p.ID))
	_, err = h.store.Get(context.Background(), p.ID)
	assert.True(t, errors.Is(err, ErrPluginNotFound))
}

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")
	ctx := context.Background()

	_, err := h.orch.UpdateConfig(ctx, p.ID, json.RawMessage(`{not json`))
	assert.True(t, errors.Is(err, ErrInvalidInput))

	updated, err := h.orch.UpdateConfig(ctx, p.ID, json.RawMessage(`{"limit":5}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":5}`, string(updated.Config))
	assert.Contains(t, h.publisher.types(), events.PluginConfigUpdated)

	_, err = h.orch.UpdateConfig(ctx, "missing", json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, ErrPluginNotFound))
}

func TestRestore_LoadsActivePlugins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := h.install(t, "pub-a", "alpha", "1.0.0")
	h.install(t, "pub-b", "beta", "1.0.0")
	_, err := h.orch.SetActive(ctx, active.ID, true)
	require.NoError(t, err)

	// simulate a process restart
	h.loader = newFakeLoader()
	h.orch.loader = h.loader

	n, err := h.orch.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, resident := h.loader.Get(active.ID)
	assert.True(t, resident)
}

func TestOperationsOnOnePluginAreSerialized(t *testing.T) {
	h := newHarness(t)
	p := h.install(t, "pub-notes", "notes", "1.0.0")

	release := make(chan struct{})
	entered := make(chan struct{})
	h.loader.hooks["1.0.0"] = hooks.Set{hooks.OnActivate: func(context.Context, hooks.Context) error {
		close(entered)
		<-release
		return nil
	}}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.SetActive(context.Background(), p.ID, true)
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.orch.UpdateConfig(ctx, p.ID, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	require.NoError(t, <-done)
}
