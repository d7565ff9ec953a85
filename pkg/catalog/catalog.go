package catalog

import (
	"context"
	"errors"

	"github.com/platinummonkey/plugd/pkg/manifest"
)

var (
	// ErrListingNotFound is returned when the publisher has no such plugin
	ErrListingNotFound = errors.New("plugin listing not found")

	// ErrCatalogUnavailable is returned when the marketplace cannot be reached
	ErrCatalogUnavailable = errors.New("plugin catalog unavailable")
)

// Listing is the marketplace's current published version of a plugin
type Listing struct {
	ID          string             `json:"id"`
	Slug        string             `json:"slug"`
	Version     string             `json:"version"`
	PackageURL  string             `json:"packageUrl"`
	Manifest    *manifest.Manifest `json:"manifest"`
	DeveloperID string             `json:"developerId,omitempty"`
}

// Catalog resolves publisher plugin ids to listings
type Catalog interface {
	Get(ctx context.Context, publisherPluginID string) (*Listing, error)
}
