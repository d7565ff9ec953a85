// Package bundle produces the single ES module served for a loaded plugin.
//
// When the plugin directory carries prebuilt browser output it is relayed
// with a metadata preamble. Otherwise a small module is synthesized from the
// manifest routes, each component imported lazily from the asset endpoint.
// Bundles are cached in an expiring LRU keyed by plugin id and load time.
package bundle
