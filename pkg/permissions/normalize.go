package permissions

import (
	"strings"

	"github.com/platinummonkey/plugd/pkg/manifest"
)

// Normalize projects a permission declaration onto the configured roles.
// The structured defaultRoles shape wins for any role it names; the legacy
// defaultPermissions shape covers the rest. Roles named by neither get a row
// with no access. When the declaration lists its actions, flags for other
// actions are cleared.
func Normalize(pluginID string, decl manifest.PermissionDecl, roles []string) []Row {
	structured := make(map[string]manifest.RoleDefaults, len(decl.DefaultRoles))
	for role, d := range decl.DefaultRoles {
		structured[strings.ToUpper(role)] = d
	}

	legacy := make(map[string]map[string]bool, len(decl.DefaultPermissions))
	for action, granted := range decl.DefaultPermissions {
		for _, role := range granted {
			role = strings.ToUpper(role)
			if legacy[role] == nil {
				legacy[role] = make(map[string]bool)
			}
			legacy[role][strings.ToLower(action)] = true
		}
	}

	var allowed map[string]bool
	if len(decl.Actions) > 0 {
		allowed = make(map[string]bool, len(decl.Actions))
		for _, a := range decl.Actions {
			allowed[strings.ToLower(a)] = true
		}
	}
	permit := func(action string, v bool) bool {
		return v && (allowed == nil || allowed[action])
	}

	rows := make([]Row, 0, len(roles))
	for _, role := range roles {
		key := strings.ToUpper(role)
		row := Row{Role: role, Resource: decl.Resource, PluginID: pluginID}

		if d, ok := structured[key]; ok {
			row.CanView = permit(manifest.ActionView, d.CanView)
			row.CanCreate = permit(manifest.ActionCreate, d.CanCreate)
			row.CanEdit = permit(manifest.ActionEdit, d.CanEdit)
			row.CanDelete = permit(manifest.ActionDelete, d.CanDelete)
		} else if actions, ok := legacy[key]; ok {
			row.CanView = permit(manifest.ActionView, actions[manifest.ActionView])
			row.CanCreate = permit(manifest.ActionCreate, actions[manifest.ActionCreate])
			row.CanEdit = permit(manifest.ActionEdit, actions[manifest.ActionEdit])
			row.CanDelete = permit(manifest.ActionDelete, actions[manifest.ActionDelete])
		}
		rows = append(rows, row)
	}
	return rows
}

// NormalizeAll projects every declaration in m
func NormalizeAll(pluginID string, m *manifest.Manifest, roles []string) []Row {
	if m == nil {
		return nil
	}
	var rows []Row
	for _, decl := range m.Permissions {
		if decl.Resource == "" {
			continue
		}
		rows = append(rows, Normalize(pluginID, decl, roles)...)
	}
	return rows
}
