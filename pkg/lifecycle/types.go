package lifecycle

import (
	"encoding/json"
	"time"

	"github.com/platinummonkey/plugd/pkg/manifest"
)

// Status is the persisted lifecycle state of an installed plugin
type Status string

const (
	StatusInstalling   Status = "INSTALLING"
	StatusInstalled    Status = "INSTALLED"
	StatusUpdating     Status = "UPDATING"
	StatusUninstalling Status = "UNINSTALLING"
	StatusFailed       Status = "FAILED"
)

// Transient reports whether s only exists while a call is in flight
func (s Status) Transient() bool {
	return s == StatusInstalling || s == StatusUpdating || s == StatusUninstalling
}

// InstalledPlugin is the host's record of one installed plugin
type InstalledPlugin struct {
	ID                   string             `json:"id"`
	PublisherReferenceID string             `json:"publisherReferenceId"`
	Slug                 string             `json:"slug"`
	Version              string             `json:"version"`
	Manifest             *manifest.Manifest `json:"manifest"`
	Config               json.RawMessage    `json:"config"`
	Status               Status             `json:"status"`
	IsActive             bool               `json:"isActive"`
	PackageURL           string             `json:"packageUrl"`
	InstalledBy          string             `json:"installedBy,omitempty"`
	LastActivatedAt      *time.Time         `json:"lastActivatedAt,omitempty"`
	ErrorMessage         string             `json:"errorMessage,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy of p
func (p *InstalledPlugin) Clone() *InstalledPlugin {
	if p == nil {
		return nil
	}
	c := *p
	c.Manifest = p.Manifest.Clone()
	if p.Config != nil {
		c.Config = append(json.RawMessage(nil), p.Config...)
	}
	if p.LastActivatedAt != nil {
		t := *p.LastActivatedAt
		c.LastActivatedAt = &t
	}
	return &c
}

// Backup is the state an update rolls back to
type Backup struct {
	Version    string
	Manifest   *manifest.Manifest
	Config     json.RawMessage
	PackageURL string
}

func (p *InstalledPlugin) backup() Backup {
	c := p.Clone()
	return Backup{
		Version:    c.Version,
		Manifest:   c.Manifest,
		Config:     c.Config,
		PackageURL: c.PackageURL,
	}
}

func (p *InstalledPlugin) restore(b Backup) {
	p.Version = b.Version
	p.Manifest = b.Manifest
	p.Config = b.Config
	p.PackageURL = b.PackageURL
}
