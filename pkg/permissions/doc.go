// Package permissions maintains the role/resource access matrix that plugins
// extend.
//
// Manifests declare resources in one of two shapes, structured per-role flags
// or a legacy map of action to roles. Normalize turns either into one Row per
// configured role. The Registrar writes those rows on install and update and
// removes them on uninstall, verifying with a separate count that nothing is
// left behind.
package permissions
