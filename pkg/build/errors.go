package build

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBuildFailed is returned, wrapped in *Error, when any stage failed
var ErrBuildFailed = errors.New("build failed")

// Stage names a step of the pipeline
type Stage string

const (
	StageManifest      Stage = "manifest"
	StageCopy          Stage = "copy"
	StageInstall       Stage = "install"
	StageCompileServer Stage = "compile-server"
	StageCompileClient Stage = "compile-client"
	StageComponents    Stage = "components"
	StageImports       Stage = "imports"
	StageArchive       Stage = "archive"
	StageChecksum      Stage = "checksum"
	StageUpload        Stage = "upload"
	StageCleanup       Stage = "cleanup"
)

// StageError is one failure recorded by a stage
type StageError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

func (e StageError) String() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Error aggregates every stage failure of one build
type Error struct {
	Slug   string
	Errors []StageError
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, se := range e.Errors {
		msgs[i] = se.String()
	}
	return fmt.Sprintf("build of %s failed: %s", e.Slug, strings.Join(msgs, "; "))
}

// Unwrap lets errors.Is match ErrBuildFailed
func (e *Error) Unwrap() error {
	return ErrBuildFailed
}
