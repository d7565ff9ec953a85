package fetch

import "errors"

var (
	// ErrDownloadFailed is returned when the package cannot be retrieved
	ErrDownloadFailed = errors.New("package download failed")

	// ErrExtractFailed is returned when the archive cannot be unpacked safely
	ErrExtractFailed = errors.New("package extraction failed")

	// ErrInvalidSlug is returned for slugs that are not safe directory names
	ErrInvalidSlug = errors.New("invalid plugin slug")
)
