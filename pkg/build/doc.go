// Package build turns a plugin source tree into a distributable package.
//
// Pipeline.Build validates the manifest, copies the sources into a private
// workspace, installs dependencies, compiles server code to CommonJS and
// browser code to ES modules, compiles .vue single-file components into
// plain modules, fixes up imports, then writes a deterministic tar.gz,
// checksums it and uploads it to object storage.
//
// Node tooling sits behind Toolchain. DockerToolchain runs it in a
// container; LocalToolchain uses whatever is on PATH.
package build
