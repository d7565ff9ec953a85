// Package fetch downloads plugin packages and extracts them into a directory
// per slug.
//
// Packages are addressed by http(s)://, s3:// or file:// URLs and may be
// tar.gz or zip archives; the format is detected from the leading bytes.
// Extraction happens in a staging directory under the plugins root and is
// renamed into place only when every entry was written. Entries that are
// absolute, climb out of the package, or are links fail the whole fetch.
package fetch
