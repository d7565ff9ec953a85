// Package cli implements plugd-build, the developer tool that validates and
// packages plugin source trees.
//
// # Commands
//
// validate: check the manifest in a source directory
//
//	plugd-build validate -dir ./my-plugin
//	plugd-build validate -dir ./my-plugin -json
//
// build: compile sources and produce a checksummed archive
//
//	plugd-build build -dir ./my-plugin -out ./dist-plugins
//	plugd-build build -dir ./my-plugin -docker=false
//	plugd-build build -dir ./my-plugin -upload -developer dev-42
//
// With -watch the source tree is rebuilt whenever it changes. Changes under
// node_modules, .git and the output directory are ignored.
//
//	plugd-build build -dir ./my-plugin -watch -debounce 1s
//
// # Configuration
//
// Toolchain image, targets, timeouts and object storage settings come from
// the PLUGD_ environment variables read by package config.
//
// # Exit Codes
//
// 0 on success, 1 when validation or the build fails.
package cli
