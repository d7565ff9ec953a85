package permissions

import (
	"context"
	"fmt"
	"strings"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
)

// Registrar projects plugin permission declarations into the role matrix
type Registrar struct {
	store  Store
	roles  []string
	logger *logrus.Logger
}

// NewRegistrar creates a registrar for the given roles. An empty role list
// falls back to DefaultRoles.
func NewRegistrar(store Store, roles []string, logger *logrus.Logger) *Registrar {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Registrar{store: store, roles: roles, logger: logger}
}

// Roles returns the configured roles
func (r *Registrar) Roles() []string {
	return append([]string(nil), r.roles...)
}

// Register writes one row per configured role and declared resource, and
// removes rows for resources the plugin no longer declares.
func (r *Registrar) Register(ctx context.Context, pluginID string, m *manifest.Manifest) error {
	rows := NormalizeAll(pluginID, m, r.roles)
	if err := r.store.Sync(ctx, pluginID, rows); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionRegistrationFailed, err)
	}
	r.logger.WithFields(logrus.Fields{
		"plugin_id": pluginID,
		"rows":      len(rows),
	}).Info("Registered plugin permissions")
	return nil
}

// Unregister deletes every row owned by pluginID and verifies none remain.
// Leftovers trigger one more delete before giving up.
func (r *Registrar) Unregister(ctx context.Context, pluginID string) error {
	for attempt := 1; attempt <= 2; attempt++ {
		deleted, err := r.store.DeleteByPlugin(ctx, pluginID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermissionRegistrationFailed, err)
		}

		remaining, err := r.store.CountByPlugin(ctx, pluginID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermissionRegistrationFailed, err)
		}
		if remaining == 0 {
			r.logger.WithFields(logrus.Fields{"plugin_id": pluginID, "rows": deleted}).Info("Unregistered plugin permissions")
			return nil
		}
		r.logger.Warnf("%d permission rows remain for plugin %s after delete (attempt %d)", remaining, pluginID, attempt)
	}
	return fmt.Errorf("%w: orphaned rows remain for plugin %s", ErrPermissionRegistrationFailed, pluginID)
}

// Check reports whether role may perform action on resource. Any row for the
// cell granting the action is sufficient.
func (r *Registrar) Check(ctx context.Context, role, resource, action string) (bool, error) {
	action = strings.ToLower(action)
	if _, err := (Row{}).Allows(action); err != nil {
		return false, fmt.Errorf("%w: %q", err, action)
	}

	rows, err := r.store.Find(ctx, role, resource)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if ok, _ := row.Allows(action); ok {
			return true, nil
		}
	}
	return false, nil
}

// Matrix returns every row for role
func (r *Registrar) Matrix(ctx context.Context, role string) ([]Row, error) {
	return r.store.ListByRole(ctx, role)
}

// ForPlugin returns the rows owned by pluginID
func (r *Registrar) ForPlugin(ctx context.Context, pluginID string) ([]Row, error) {
	return r.store.ListByPlugin(ctx, pluginID)
}
