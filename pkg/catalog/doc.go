// Package catalog resolves marketplace listings for plugin installation.
//
// A listing pairs a publisher plugin id with the package URL and manifest of
// its current published version. Listings come either from the host's own
// tables (SQLCatalog) or from a remote marketplace backend (HTTPCatalog),
// which authenticates with an API key or OAuth2 client credentials.
package catalog
