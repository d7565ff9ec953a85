// Package loader keeps track of the plugins resident in this process.
//
// A Registry is constructed once and handed to the lifecycle orchestrator,
// the bundle generator and the asset handler. Load fetches and extracts a
// package, reads its manifest, resolves hooks and registers a Record; Unload
// drops the record before deleting the directory. Readers only ever see a
// directory through a live record.
package loader
