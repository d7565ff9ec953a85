// Package hooks resolves plugin lifecycle hooks into handler functions.
//
// Host code can register in-process handlers for a slug through a Registry.
// Any hook a manifest declares that has no registered handler becomes a
// script run inside a network-disabled container via pkg/sandbox. Resolution
// happens once, when the loader makes a plugin resident.
package hooks
