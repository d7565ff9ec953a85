package manifest

// Manifest is the static self-description a plugin ships in plugin.json
// (or plugin.yaml).
type Manifest struct {
	Name            string           `json:"name" yaml:"name"`
	Slug            string           `json:"slug" yaml:"slug"`
	Version         string           `json:"version" yaml:"version"`
	Description     string           `json:"description" yaml:"description"`
	LongDescription string           `json:"longDescription,omitempty" yaml:"longDescription,omitempty"`
	Category        string           `json:"category" yaml:"category"`
	Author          string           `json:"author,omitempty" yaml:"author,omitempty"`
	Icon            string           `json:"icon,omitempty" yaml:"icon,omitempty"`
	Tags            []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Frontend        *FrontendEntry   `json:"frontend,omitempty" yaml:"frontend,omitempty"`
	Backend         *BackendEntry    `json:"backend,omitempty" yaml:"backend,omitempty"`
	Permissions     []PermissionDecl `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Hooks           Hooks            `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// FrontendEntry describes the browser side of a plugin.
type FrontendEntry struct {
	Entry  string  `json:"entry" yaml:"entry"`
	Routes []Route `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// Route is a UI route contributed to the host application.
type Route struct {
	Path      string `json:"path" yaml:"path"`
	Component string `json:"component" yaml:"component"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
	Icon      string `json:"icon,omitempty" yaml:"icon,omitempty"`
}

// BackendEntry describes the server side of a plugin.
type BackendEntry struct {
	Entry  string   `json:"entry" yaml:"entry"`
	Models []string `json:"models,omitempty" yaml:"models,omitempty"`
}

// Hooks maps lifecycle transitions to plugin-relative script paths.
type Hooks struct {
	OnInstall    string `json:"onInstall,omitempty" yaml:"onInstall,omitempty"`
	OnActivate   string `json:"onActivate,omitempty" yaml:"onActivate,omitempty"`
	OnDeactivate string `json:"onDeactivate,omitempty" yaml:"onDeactivate,omitempty"`
	OnUpdate     string `json:"onUpdate,omitempty" yaml:"onUpdate,omitempty"`
	OnUninstall  string `json:"onUninstall,omitempty" yaml:"onUninstall,omitempty"`
}

// Declared returns the non-empty hook paths keyed by hook name.
func (h Hooks) Declared() map[string]string {
	out := make(map[string]string, 5)
	for name, path := range map[string]string{
		HookOnInstall:    h.OnInstall,
		HookOnActivate:   h.OnActivate,
		HookOnDeactivate: h.OnDeactivate,
		HookOnUpdate:     h.OnUpdate,
		HookOnUninstall:  h.OnUninstall,
	} {
		if path != "" {
			out[name] = path
		}
	}
	return out
}

// Hook names as they appear in the manifest.
const (
	HookOnInstall    = "onInstall"
	HookOnActivate   = "onActivate"
	HookOnDeactivate = "onDeactivate"
	HookOnUpdate     = "onUpdate"
	HookOnUninstall  = "onUninstall"
)

// PermissionDecl declares a capability resource governed per role.
//
// Two shapes are accepted. The structured shape sets DefaultRoles, a map of
// role to flags. The legacy shape sets DefaultPermissions, a map of action to
// the roles granted that action.
type PermissionDecl struct {
	Resource           string                  `json:"resource" yaml:"resource"`
	Label              string                  `json:"label,omitempty" yaml:"label,omitempty"`
	Actions            []string                `json:"actions,omitempty" yaml:"actions,omitempty"`
	DefaultRoles       map[string]RoleDefaults `json:"defaultRoles,omitempty" yaml:"defaultRoles,omitempty"`
	DefaultPermissions map[string][]string     `json:"defaultPermissions,omitempty" yaml:"defaultPermissions,omitempty"`
}

// RoleDefaults are the default access flags for one role.
type RoleDefaults struct {
	CanView   bool `json:"canView" yaml:"canView"`
	CanCreate bool `json:"canCreate" yaml:"canCreate"`
	CanEdit   bool `json:"canEdit" yaml:"canEdit"`
	CanDelete bool `json:"canDelete" yaml:"canDelete"`
}

// Permission actions.
const (
	ActionView   = "view"
	ActionCreate = "create"
	ActionEdit   = "edit"
	ActionDelete = "delete"
)

var validActions = map[string]bool{
	ActionView:   true,
	ActionCreate: true,
	ActionEdit:   true,
	ActionDelete: true,
}

// ValidationError describes a single problem found in a manifest.
type ValidationError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "error" or "warning"
}

func (e ValidationError) Error() string {
	return e.Message
}

// Result is the outcome of validating a manifest.
type Result struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}
