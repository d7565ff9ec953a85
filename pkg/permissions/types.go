package permissions

import (
	"errors"

	"github.com/platinummonkey/plugd/pkg/manifest"
)

var (
	// ErrPermissionRegistrationFailed is returned when rows cannot be written or removed
	ErrPermissionRegistrationFailed = errors.New("permission registration failed")

	// ErrUnknownAction is returned by Check for actions outside view/create/edit/delete
	ErrUnknownAction = errors.New("unknown permission action")
)

// DefaultRoles are used when no roles are configured
var DefaultRoles = []string{"ADMIN", "MANAGER", "USER"}

// Row is one cell of the role/resource access matrix. PluginID is empty for
// rows owned by the host itself.
type Row struct {
	Role      string `json:"role"`
	Resource  string `json:"resource"`
	PluginID  string `json:"pluginId,omitempty"`
	CanView   bool   `json:"canView"`
	CanCreate bool   `json:"canCreate"`
	CanEdit   bool   `json:"canEdit"`
	CanDelete bool   `json:"canDelete"`
}

// Allows reports whether the row grants action
func (r Row) Allows(action string) (bool, error) {
	switch action {
	case manifest.ActionView:
		return r.CanView, nil
	case manifest.ActionCreate:
		return r.CanCreate, nil
	case manifest.ActionEdit:
		return r.CanEdit, nil
	case manifest.ActionDelete:
		return r.CanDelete, nil
	default:
		return false, ErrUnknownAction
	}
}
