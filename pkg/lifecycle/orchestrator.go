package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/catalog"
	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/hooks"
	"github.com/platinummonkey/plugd/pkg/loader"
	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/plugd/pkg/lifecycle")

// Loader makes plugin packages resident
type Loader interface {
	Load(ctx context.Context, p loader.Plugin) (*loader.Record, error)
	Unload(ctx context.Context, id string) error
	Get(id string) (*loader.Record, bool)
}

// Permissions projects manifests into the access matrix
type Permissions interface {
	Register(ctx context.Context, pluginID string, m *manifest.Manifest) error
	Unregister(ctx context.Context, pluginID string) error
}

// Recorder receives lifecycle measurements
type Recorder interface {
	RecordTransition(operation string, duration time.Duration, err error)
	RecordHook(hook string, duration time.Duration, err error)
}

// Config holds orchestrator timeouts
type Config struct {
	HookTimeout    time.Duration
	RestoreWorkers int
}

// Orchestrator drives installed plugins through their lifecycle. Every call
// holds the plugin's lock for its full duration.
type Orchestrator struct {
	store       Store
	catalog     catalog.Catalog
	loader      Loader
	permissions Permissions
	publisher   events.Publisher
	recorder    Recorder
	locks       *KeyedLock
	cfg         Config
	logger      *logrus.Logger
	now         func() time.Time
}

// NewOrchestrator wires an orchestrator
func NewOrchestrator(store Store, cat catalog.Catalog, ld Loader, perms Permissions, publisher events.Publisher, cfg Config, logger *logrus.Logger) *Orchestrator {
	if publisher == nil {
		publisher = events.Discard
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = 30 * time.Second
	}
	if cfg.RestoreWorkers <= 0 {
		cfg.RestoreWorkers = 4
	}
	return &Orchestrator{
		store:       store,
		catalog:     cat,
		loader:      ld,
		permissions: perms,
		publisher:   publisher,
		locks:       NewKeyedLock(),
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder installs a metrics recorder
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.recorder = r
}

// Locks exposes the per-plugin lock table
func (o *Orchestrator) Locks() *KeyedLock {
	return o.locks
}

// Get returns the installed plugin with id
func (o *Orchestrator) Get(ctx context.Context, id string) (*InstalledPlugin, error) {
	return o.store.Get(ctx, id)
}

// List returns every installed plugin
func (o *Orchestrator) List(ctx context.Context) ([]*InstalledPlugin, error) {
	return o.store.List(ctx)
}

// Install installs the catalog's current version of publisherPluginID. The
// plugin ends INSTALLED and inactive, or FAILED with an error message.
func (o *Orchestrator) Install(ctx context.Context, publisherPluginID, installedBy string) (p *InstalledPlugin, err error) {
	if publisherPluginID == "" {
		return nil, fmt.Errorf("%w: publisherPluginId is required", ErrInvalidInput)
	}
	ctx, done := o.trace(ctx, "install", attribute.String("plugin.publisher_id", publisherPluginID))
	defer func() { done(err) }()

	unlock, err := o.locks.Lock(ctx, "install:"+publisherPluginID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := o.store.GetByPublisherRef(ctx, publisherPluginID); err == nil {
		return nil, ErrPluginAlreadyInstalled
	} else if !errors.Is(err, ErrPluginNotFound) {
		return nil, err
	}

	listing, err := o.catalog.Get(ctx, publisherPluginID)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(listing.Manifest).Err(); err != nil {
		return nil, err
	}
	slug := listing.Manifest.Slug

	unlockSlug, err := o.locks.Lock(ctx, "slug:"+slug)
	if err != nil {
		return nil, err
	}
	defer unlockSlug()

	if _, err := o.store.GetBySlug(ctx, slug); err == nil {
		return nil, ErrPluginAlreadyInstalled
	} else if !errors.Is(err, ErrPluginNotFound) {
		return nil, err
	}

	now := o.now()
	p = &InstalledPlugin{
		ID:                   uuid.NewString(),
		PublisherReferenceID: publisherPluginID,
		Slug:                 slug,
		Version:              listing.Manifest.Version,
		Manifest:             listing.Manifest,
		Config:               json.RawMessage(`{}`),
		Status:               StatusInstalling,
		PackageURL:           listing.PackageURL,
		InstalledBy:          installedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	unlockID, err := o.locks.Lock(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer unlockID()

	log := o.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug, "version": p.Version})
	o.emit(events.PluginInstalling, p, nil)

	if err := o.store.Create(ctx, p); err != nil {
		return nil, err
	}

	registered := false
	installErr := func() error {
		rec, err := o.loader.Load(ctx, plugin(p))
		if err != nil {
			return err
		}
		if err := o.runHook(ctx, rec, p, hooks.OnInstall, ""); err != nil {
			return err
		}
		if err := o.permissions.Register(ctx, p.ID, p.Manifest); err != nil {
			return err
		}
		registered = true
		p.Status = StatusInstalled
		p.ErrorMessage = ""
		p.UpdatedAt = o.now()
		return o.store.Save(ctx, p)
	}()

	if installErr != nil {
		log.Errorf("Install failed: %v", installErr)
		o.failInstall(ctx, p, registered, installErr, log)
		return p, installErr
	}

	if err := o.loader.Unload(ctx, p.ID); err != nil {
		log.Warnf("failed to unload after install: %v", err)
	}
	log.Info("Installed plugin")
	o.emit(events.PluginInstalled, p, nil)
	return p, nil
}

// failInstall marks p FAILED and undoes what the install touched
func (o *Orchestrator) failInstall(ctx context.Context, p *InstalledPlugin, registered bool, cause error, log *logrus.Entry) {
	if registered {
		if err := o.permissions.Unregister(ctx, p.ID); err != nil {
			log.Warnf("failed to remove permissions after failed install: %v", err)
		}
	}
	if err := o.loader.Unload(ctx, p.ID); err != nil {
		log.Warnf("failed to unload after failed install: %v", err)
	}

	p.Status = StatusFailed
	p.IsActive = false
	p.ErrorMessage = cause.Error()
	p.UpdatedAt = o.now()
	if err := o.store.Save(ctx, p); err != nil {
		log.Errorf("failed to persist FAILED status: %v", err)
	}
	o.emit(events.PluginInstallFailed, p, cause)
}

// SetActive toggles a plugin. Activating loads it and stamps
// lastActivatedAt; deactivating unloads it. Setting the current state again
// is a no-op.
func (o *Orchestrator) SetActive(ctx context.Context, id string, active bool) (p *InstalledPlugin, err error) {
	ctx, done := o.trace(ctx, "set_active", attribute.String("plugin.id", id), attribute.Bool("plugin.active", active))
	defer func() { done(err) }()

	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err = o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusInstalled {
		return nil, fmt.Errorf("%w: cannot toggle a plugin in status %s", ErrInvalidState, p.Status)
	}
	log := o.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug})

	if p.IsActive == active {
		if active {
			if _, err := o.loader.Load(ctx, plugin(p)); err != nil {
				return nil, err
			}
		}
		return p, nil
	}

	if active {
		return p, o.activate(ctx, p, log)
	}
	return p, o.deactivate(ctx, p, log)
}

func (o *Orchestrator) activate(ctx context.Context, p *InstalledPlugin, log *logrus.Entry) error {
	o.emit(events.PluginActivating, p, nil)

	_, wasResident := o.loader.Get(p.ID)
	rec, err := o.loader.Load(ctx, plugin(p))
	if err != nil {
		return err
	}

	undo := func() {
		if wasResident {
			return
		}
		if err := o.loader.Unload(ctx, p.ID); err != nil {
			log.Warnf("failed to unload after failed activation: %v", err)
		}
	}

	if err := o.runHook(ctx, rec, p, hooks.OnActivate, ""); err != nil {
		undo()
		return err
	}

	now := o.now()
	next := p.Clone()
	next.IsActive = true
	next.LastActivatedAt = &now
	next.UpdatedAt = now
	if err := o.store.Save(ctx, next); err != nil {
		undo()
		return err
	}
	*p = *next

	log.Info("Activated plugin")
	o.emit(events.PluginActivated, p, nil)
	return nil
}

func (o *Orchestrator) deactivate(ctx context.Context, p *InstalledPlugin, log *logrus.Entry) error {
	o.emit(events.PluginDeactivating, p, nil)

	rec, err := o.loader.Load(ctx, plugin(p))
	if err != nil {
		return err
	}
	if err := o.runHook(ctx, rec, p, hooks.OnDeactivate, ""); err != nil {
		return err
	}

	next := p.Clone()
	next.IsActive = false
	next.UpdatedAt = o.now()
	if err := o.store.Save(ctx, next); err != nil {
		return err
	}
	*p = *next

	if err := o.loader.Unload(ctx, p.ID); err != nil {
		log.Warnf("failed to unload deactivated plugin: %v", err)
	}

	log.Info("Deactivated plugin")
	o.emit(events.PluginDeactivated, p, nil)
	return nil
}

// Update moves a plugin to the catalog's current version. Any failure after
// the backup is taken rolls the record and the resident package back.
func (o *Orchestrator) Update(ctx context.Context, id string) (p *InstalledPlugin, err error) {
	ctx, done := o.trace(ctx, "update", attribute.String("plugin.id", id))
	defer func() { done(err) }()

	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err = o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusInstalled {
		return nil, fmt.Errorf("%w: cannot update a plugin in status %s", ErrInvalidState, p.Status)
	}

	listing, err := o.catalog.Get(ctx, p.PublisherReferenceID)
	if err != nil {
		return nil, err
	}
	if listing.Manifest != nil && listing.Manifest.Version == p.Version {
		return nil, ErrUpToDate
	}
	if err := manifest.Validate(listing.Manifest).Err(); err != nil {
		return nil, err
	}
	if listing.Manifest.Slug != p.Slug {
		return nil, fmt.Errorf("%w: listing slug %s does not match installed slug %s", ErrInvalidState, listing.Manifest.Slug, p.Slug)
	}

	log := o.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug, "from": p.Version, "to": listing.Manifest.Version})
	o.emit(events.PluginUpdating, p, nil)

	backup := p.backup()
	wasActive := p.IsActive

	p.Status = StatusUpdating
	p.UpdatedAt = o.now()
	if err := o.store.Save(ctx, p); err != nil {
		p.Status = StatusInstalled
		return nil, err
	}

	updateErr := func() error {
		if err := o.loader.Unload(ctx, p.ID); err != nil {
			return err
		}
		p.Version = listing.Manifest.Version
		p.Manifest = listing.Manifest
		p.PackageURL = listing.PackageURL

		rec, err := o.loader.Load(ctx, plugin(p))
		if err != nil {
			return err
		}
		if err := o.runHook(ctx, rec, p, hooks.OnUpdate, backup.Version); err != nil {
			return err
		}
		if err := o.permissions.Register(ctx, p.ID, p.Manifest); err != nil {
			return err
		}
		p.Status = StatusInstalled
		p.ErrorMessage = ""
		p.UpdatedAt = o.now()
		return o.store.Save(ctx, p)
	}()

	if updateErr != nil {
		log.Errorf("Update failed, rolling back: %v", updateErr)
		if rbErr := o.rollback(ctx, p, backup, wasActive, updateErr); rbErr != nil {
			log.Errorf("Rollback failed: %v", rbErr)
			return p, fmt.Errorf("%w; rollback failed: %v", updateErr, rbErr)
		}
		return p, updateErr
	}

	if !wasActive {
		if err := o.loader.Unload(ctx, p.ID); err != nil {
			log.Warnf("failed to unload inactive plugin after update: %v", err)
		}
	}
	log.Info("Updated plugin")
	o.emit(events.PluginUpdated, p, nil, "previousVersion", backup.Version)
	return p, nil
}

// rollback restores the backup. It is attempted once.
func (o *Orchestrator) rollback(ctx context.Context, p *InstalledPlugin, b Backup, wasActive bool, cause error) error {
	var errs []error
	if err := o.loader.Unload(ctx, p.ID); err != nil {
		errs = append(errs, fmt.Errorf("unload new package: %w", err))
	}

	p.restore(b)
	p.IsActive = wasActive
	p.ErrorMessage = cause.Error()

	if err := o.permissions.Register(ctx, p.ID, p.Manifest); err != nil {
		errs = append(errs, fmt.Errorf("restore permissions: %w", err))
	}

	if wasActive {
		if _, err := o.loader.Load(ctx, plugin(p)); err != nil {
			errs = append(errs, fmt.Errorf("reload previous package: %w", err))
		}
	}

	// An incomplete restore leaves the record FAILED.
	p.Status = StatusInstalled
	if len(errs) > 0 {
		p.Status = StatusFailed
		p.ErrorMessage = fmt.Sprintf("%s; rollback: %v", cause, errors.Join(errs...))
	}
	p.UpdatedAt = o.now()
	if err := o.store.Save(ctx, p); err != nil {
		errs = append(errs, fmt.Errorf("restore record: %w", err))
	}

	o.emit(events.PluginUpdateRolledBack, p, cause)
	return errors.Join(errs...)
}

// Uninstall runs the uninstall hook, unloads the plugin, removes its
// permissions and deletes the record. On failure the previous status is
// restored.
func (o *Orchestrator) Uninstall(ctx context.Context, id string) (err error) {
	ctx, done := o.trace(ctx, "uninstall", attribute.String("plugin.id", id))
	defer func() { done(err) }()

	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusInstalled && p.Status != StatusFailed {
		return fmt.Errorf("%w: cannot uninstall a plugin in status %s", ErrInvalidState, p.Status)
	}

	log := o.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug})
	o.emit(events.PluginUninstalling, p, nil)

	previous := p.Status
	p.Status = StatusUninstalling
	p.UpdatedAt = o.now()
	if err := o.store.Save(ctx, p); err != nil {
		return err
	}

	unregistered := false
	uninstallErr := func() error {
		rec, err := o.loader.Load(ctx, plugin(p))
		switch {
		case err != nil && previous == StatusFailed:
			log.Warnf("skipping uninstall hook, package unavailable: %v", err)
		case err != nil:
			return err
		default:
			if err := o.runHook(ctx, rec, p, hooks.OnUninstall, ""); err != nil {
				return err
			}
		}
		if err := o.loader.Unload(ctx, p.ID); err != nil {
			return err
		}
		if err := o.permissions.Unregister(ctx, p.ID); err != nil {
			return err
		}
		unregistered = true
		return o.store.Delete(ctx, p.ID)
	}()

	if uninstallErr != nil {
		log.Errorf("Uninstall failed: %v", uninstallErr)
		if unregistered {
			if err := o.permissions.Register(ctx, p.ID, p.Manifest); err != nil {
				log.Warnf("failed to restore permissions after failed uninstall: %v", err)
			}
		}
		if !p.IsActive {
			if err := o.loader.Unload(ctx, p.ID); err != nil {
				log.Warnf("failed to unload after failed uninstall: %v", err)
			}
		} else if _, err := o.loader.Load(ctx, plugin(p)); err != nil {
			log.Warnf("failed to reload after failed uninstall: %v", err)
		}
		p.Status = previous
		p.UpdatedAt = o.now()
		if err := o.store.Save(ctx, p); err != nil {
			log.Errorf("failed to restore status %s: %v", previous, err)
		}
		return uninstallErr
	}

	log.Info("Uninstalled plugin")
	o.emit(events.PluginUninstalled, p, nil)
	return nil
}

// UpdateConfig replaces a plugin's opaque configuration
func (o *Orchestrator) UpdateConfig(ctx context.Context, id string, config json.RawMessage) (*InstalledPlugin, error) {
	if len(config) == 0 || !json.Valid(config) {
		return nil, fmt.Errorf("%w: config must be valid JSON", ErrInvalidInput)
	}

	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Transient() {
		return nil, fmt.Errorf("%w: cannot configure a plugin in status %s", ErrInvalidState, p.Status)
	}

	next := p.Clone()
	next.Config = append(json.RawMessage(nil), config...)
	next.UpdatedAt = o.now()
	if err := o.store.Save(ctx, next); err != nil {
		return nil, err
	}

	o.emit(events.PluginConfigUpdated, next, nil)
	return next, nil
}

// Restore loads every active installed plugin. It is called once at
// startup and returns how many plugins became resident.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	all, err := o.store.ListByStatus(ctx, StatusInstalled)
	if err != nil {
		return 0, err
	}
	var active []*InstalledPlugin
	for _, p := range all {
		if p.IsActive {
			active = append(active, p)
		}
	}

	errs := async.Batch(ctx, active, o.cfg.RestoreWorkers, "restore-plugins", 0, func(ctx context.Context, p *InstalledPlugin) error {
		unlock, err := o.locks.Lock(ctx, p.ID)
		if err != nil {
			return err
		}
		defer unlock()
		if _, err := o.loader.Load(ctx, plugin(p)); err != nil {
			o.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug}).Errorf("Failed to restore plugin: %v", err)
			return fmt.Errorf("%s: %w", p.Slug, err)
		}
		return nil
	})

	loaded := len(active) - len(errs)
	o.logger.Infof("Restored %d of %d active plugins", loaded, len(active))
	return loaded, errors.Join(errs...)
}

// runHook executes a resolved hook with the configured timeout, turning
// errors and panics into ErrHookExecutionFailed.
func (o *Orchestrator) runHook(ctx context.Context, rec *loader.Record, p *InstalledPlugin, name hooks.Name, previousVersion string) (err error) {
	if rec == nil || !rec.Hooks.Has(name) {
		return nil
	}
	h := rec.Hooks[name]

	ctx, span := tracer.Start(ctx, "lifecycle.hook", trace.WithAttributes(
		attribute.String("plugin.id", p.ID),
		attribute.String("hook", string(name)),
	))
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, o.cfg.HookTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrHookExecutionFailed, name, r)
		}
		if o.recorder != nil {
			o.recorder.RecordHook(string(name), time.Since(start), err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "hook failed")
		}
	}()

	err = h(hctx, hooks.Context{
		PluginID:        p.ID,
		Slug:            p.Slug,
		Version:         p.Version,
		Directory:       rec.Directory,
		Config:          p.Config,
		PreviousVersion: previousVersion,
		Logger:          o.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug, "hook": string(name)}),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHookExecutionFailed, name, err)
	}
	return nil
}

func (o *Orchestrator) trace(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
		} else {
			span.SetStatus(codes.Ok, op+" succeeded")
		}
		span.End()
		if o.recorder != nil {
			o.recorder.RecordTransition(op, time.Since(start), err)
		}
	}
}

func (o *Orchestrator) emit(t events.Type, p *InstalledPlugin, cause error, data ...interface{}) {
	evt := events.New(t, p.ID, p.Slug, p.Version)
	evt.Status = string(p.Status)
	if cause != nil {
		evt.Error = cause.Error()
	}
	if len(data) > 1 {
		evt.Data = make(map[string]interface{}, len(data)/2)
		for i := 0; i+1 < len(data); i += 2 {
			evt.Data[fmt.Sprint(data[i])] = data[i+1]
		}
	}
	o.publisher.Publish(evt)
}

func plugin(p *InstalledPlugin) loader.Plugin {
	return loader.Plugin{
		ID:         p.ID,
		Slug:       p.Slug,
		Version:    p.Version,
		PackageURL: p.PackageURL,
	}
}
