package manifest

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	slugRegex   = regexp.MustCompile(`^[a-z0-9-]+$`)
	semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

const (
	severityError   = "error"
	severityWarning = "warning"
)

// ValidateBytes parses raw declaration contents and validates them. A parse
// failure yields an invalid result rather than an error.
func ValidateBytes(data []byte) (*Manifest, *Result) {
	m, err := Parse(data)
	if err != nil {
		return nil, &Result{
			IsValid: false,
			Errors: []ValidationError{{
				Field:    "manifest",
				Message:  err.Error(),
				Severity: severityError,
			}},
		}
	}
	return m, Validate(m)
}

// Validate statically checks a manifest. It has no side effects.
func Validate(m *Manifest) *Result {
	r := &Result{}
	if m == nil {
		r.addError("manifest", "manifest is required")
		r.IsValid = false
		return r
	}

	required := []struct {
		field string
		value string
	}{
		{"name", m.Name},
		{"slug", m.Slug},
		{"version", m.Version},
		{"description", m.Description},
		{"category", m.Category},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			r.addError(f.field, f.field+" is required")
		}
	}

	if m.Slug != "" && !IsValidSlug(m.Slug) {
		r.addError("slug", "slug must contain only lowercase letters, digits and hyphens")
	}
	if m.Version != "" && !IsValidVersion(m.Version) {
		r.addError("version", fmt.Sprintf("version must be a semantic version (got %q)", m.Version))
	}

	hasFrontend := m.Frontend != nil && m.Frontend.Entry != ""
	hasBackend := m.Backend != nil && m.Backend.Entry != ""
	if !hasFrontend && !hasBackend {
		r.addError("entryPoints", "at least one of frontend or backend entry point is required")
	}
	if hasFrontend {
		r.checkRelativePath("frontend.entry", m.Frontend.Entry)
		for i, route := range m.Frontend.Routes {
			field := fmt.Sprintf("frontend.routes[%d]", i)
			if route.Path == "" {
				r.addError(field+".path", field+".path is required")
			}
			if route.Component != "" {
				r.checkRelativePath(field+".component", route.Component)
			}
		}
	}
	if hasBackend {
		r.checkRelativePath("backend.entry", m.Backend.Entry)
	}

	r.validatePermissions(m.Permissions)

	for name, p := range m.Hooks.Declared() {
		r.checkRelativePath("hooks."+name, p)
	}

	if m.LongDescription == "" {
		r.addWarning("longDescription", "long description is missing")
	}
	if m.Icon == "" {
		r.addWarning("icon", "icon is missing")
	}
	if len(m.Tags) == 0 {
		r.addWarning("tags", "tags are missing")
	}

	r.IsValid = len(r.Errors) == 0
	return r
}

func (r *Result) validatePermissions(decls []PermissionDecl) {
	seen := make(map[string]bool)
	for i, d := range decls {
		field := fmt.Sprintf("permissions[%d]", i)
		if d.Resource == "" {
			r.addError(field+".resource", field+".resource is required")
			continue
		}
		if seen[d.Resource] {
			r.addError(field+".resource", fmt.Sprintf("duplicate permission resource %q", d.Resource))
		}
		seen[d.Resource] = true

		for _, action := range d.Actions {
			if !validActions[strings.ToLower(action)] {
				r.addError(field+".actions", fmt.Sprintf("unknown action %q", action))
			}
		}
		for action := range d.DefaultPermissions {
			if !validActions[strings.ToLower(action)] {
				r.addError(field+".defaultPermissions", fmt.Sprintf("unknown action %q", action))
			}
		}
		if d.DefaultRoles != nil && d.DefaultPermissions != nil {
			r.addWarning(field, "both defaultRoles and defaultPermissions are set; defaultRoles takes precedence")
		}
	}
}

// checkRelativePath rejects absolute paths and paths that climb out of the
// plugin directory.
func (r *Result) checkRelativePath(field, p string) {
	if p == "" {
		return
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		r.addError(field, field+" must be a relative path")
		return
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		r.addError(field, field+" must stay inside the plugin directory")
	}
}

func (r *Result) addError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Severity: severityError})
}

func (r *Result) addWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message, Severity: severityWarning})
}

// Messages returns the error messages
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

// Err returns nil for a valid result, otherwise an error wrapping
// ErrManifestInvalid that lists every problem.
func (r *Result) Err() error {
	if r == nil || r.IsValid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrManifestInvalid, strings.Join(r.Messages(), "; "))
}

// IsValidSlug reports whether s is a valid plugin slug
func IsValidSlug(s string) bool {
	return slugRegex.MatchString(s)
}

// IsValidVersion reports whether v is a semantic version
func IsValidVersion(v string) bool {
	return semverRegex.MatchString(v)
}
