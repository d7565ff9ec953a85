package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle or loader transition
type Type string

const (
	PluginInstalling       Type = "plugin.installing"
	PluginInstalled        Type = "plugin.installed"
	PluginInstallFailed    Type = "plugin.install_failed"
	PluginActivating       Type = "plugin.activating"
	PluginActivated        Type = "plugin.activated"
	PluginDeactivating     Type = "plugin.deactivating"
	PluginDeactivated      Type = "plugin.deactivated"
	PluginUpdating         Type = "plugin.updating"
	PluginUpdated          Type = "plugin.updated"
	PluginUpdateRolledBack Type = "plugin.update_rolled_back"
	PluginUninstalling     Type = "plugin.uninstalling"
	PluginUninstalled      Type = "plugin.uninstalled"
	PluginConfigUpdated    Type = "plugin.config_updated"
	PluginLoaded           Type = "plugin.loaded"
	PluginUnloaded         Type = "plugin.unloaded"
)

// AllTypes lists every event type
var AllTypes = []Type{
	PluginInstalling, PluginInstalled, PluginInstallFailed,
	PluginActivating, PluginActivated,
	PluginDeactivating, PluginDeactivated,
	PluginUpdating, PluginUpdated, PluginUpdateRolledBack,
	PluginUninstalling, PluginUninstalled,
	PluginConfigUpdated,
	PluginLoaded, PluginUnloaded,
}

// Valid reports whether t is a known event type
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a single transition notification
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	PluginID  string                 `json:"pluginId"`
	Slug      string                 `json:"slug,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`

	// Origin is the host instance that produced the event
	Origin string `json:"origin,omitempty"`
}

// New creates an event with a fresh id and timestamp
func New(t Type, pluginID, slug, version string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		PluginID:  pluginID,
		Slug:      slug,
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher accepts events for fan-out
type Publisher interface {
	Publish(evt Event)
}

// Discard is a Publisher that drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
