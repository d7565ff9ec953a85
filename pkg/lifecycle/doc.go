// Package lifecycle owns installed plugins and drives them through install,
// activation, update and uninstall.
//
// State machine:
//
//	∅ → INSTALLING → INSTALLED | FAILED
//	INSTALLED → UPDATING → INSTALLED (new version, or the previous one after rollback)
//	INSTALLED ↔ active toggle
//	INSTALLED | FAILED → UNINSTALLING → ∅
//
// Every transition publishes a "before" event, runs the declared hook with
// the plugin loaded on demand, performs its structural work and persists the
// status, then publishes an "after" event. Calls for one plugin id never
// overlap: the Orchestrator holds a per-id KeyedLock for the whole call.
//
// Updates snapshot a Backup first. Any failure after that restores the
// version, manifest, config and package URL, reloads the previous package if
// the plugin was active, and reports the failure in errorMessage.
//
// The Reconciler repairs what a crash leaves behind: records stuck in a
// transient status become FAILED and unreferenced directories are pruned.
package lifecycle
