package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/platinummonkey/plugd/pkg/contextkeys"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/permissions"
)

// AnonymousInstaller is recorded as installedBy when auth is disabled
const AnonymousInstaller = "anonymous"

// InstallRequest is the body of POST /installed-plugins/install
type InstallRequest struct {
	PublisherPluginID string `json:"publisherPluginId"`
}

// ToggleRequest is the body of PATCH /installed-plugins/{id}/toggle
type ToggleRequest struct {
	IsActive *bool `json:"isActive"`
}

// ConfigRequest is the body of PATCH /installed-plugins/{id}/config
type ConfigRequest struct {
	Config json.RawMessage `json:"config"`
}

// listInstalled handles GET /installed-plugins
func (s *Server) listInstalled(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.deps.Lifecycle.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if plugins == nil {
		plugins = []*lifecycle.InstalledPlugin{}
	}
	httputil.WriteSuccess(w, plugins)
}

// getInstalled handles GET /installed-plugins/{id}
func (s *Server) getInstalled(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	p, err := s.deps.Lifecycle.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// install handles POST /installed-plugins/install
func (s *Server) install(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.PublisherPluginID = strings.TrimSpace(req.PublisherPluginID)
	if !httputil.RequireNonEmpty(w, req.PublisherPluginID, "publisherPluginId") {
		return
	}

	installedBy := contextkeys.GetUserID(r.Context())
	if installedBy == "" {
		installedBy = AnonymousInstaller
	}

	p, err := s.deps.Lifecycle.Install(r.Context(), req.PublisherPluginID, installedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).WithField("plugin_id", p.ID).Info("Plugin installed via API")
	httputil.WriteCreated(w, p)
}

// uninstall handles DELETE /installed-plugins/{id}
func (s *Server) uninstall(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.Lifecycle.Uninstall(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// toggle handles PATCH /installed-plugins/{id}/toggle
func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req ToggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		httputil.WriteBadRequest(w, "isActive is required")
		return
	}

	p, err := s.deps.Lifecycle.SetActive(r.Context(), id, *req.IsActive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// update handles POST /installed-plugins/{id}/update
func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	p, err := s.deps.Lifecycle.Update(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// updateConfig handles PATCH /installed-plugins/{id}/config
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req ConfigRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Config) == 0 {
		httputil.WriteBadRequest(w, "config is required")
		return
	}

	p, err := s.deps.Lifecycle.UpdateConfig(r.Context(), id, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, p)
}

// PermissionCheck is the response of a resource/action query
type PermissionCheck struct {
	Role     string `json:"role"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
}

// listPermissions handles GET /plugin-permissions?role=[&resource=&action=]
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Permissions == nil {
		httputil.WriteNotFoundError(w, "permissions are not available")
		return
	}
	role := httputil.ParseQueryString(r, "role", "")
	if !httputil.RequireNonEmpty(w, role, "role") {
		return
	}

	resource := httputil.ParseQueryString(r, "resource", "")
	action := httputil.ParseQueryString(r, "action", "")
	if resource != "" || action != "" {
		if !httputil.RequireNonEmpty(w, resource, "resource") || !httputil.RequireNonEmpty(w, action, "action") {
			return
		}
		allowed, err := s.deps.Permissions.Check(r.Context(), role, resource, action)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, PermissionCheck{Role: role, Resource: resource, Action: action, Allowed: allowed})
		return
	}

	rows, err := s.deps.Permissions.Matrix(r.Context(), role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []permissions.Row{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"role":  role,
		"roles": s.deps.Permissions.Roles(),
		"rows":  rows,
	})
}
