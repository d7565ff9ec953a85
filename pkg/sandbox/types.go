package sandbox

import (
	"context"
	"errors"
	"time"
)

// Runner executes a command inside an isolated container
type Runner interface {
	// Run executes the request and waits for the container to exit
	Run(ctx context.Context, req *Request) (*Result, error)

	// Close releases resources
	Close() error
}

// Mount binds a host directory into the container
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Request describes one container execution
type Request struct {
	Image   string
	Cmd     []string
	Env     map[string]string
	Mounts  []Mount
	WorkDir string

	// Resource limits
	MemoryLimit     int64         // bytes
	CPULimit        float64       // cores
	Timeout         time.Duration // wall clock
	NetworkDisabled bool
}

// Result is the outcome of a container execution
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Default resource limits
var (
	DefaultMemoryLimit int64 = 512 * 1024 * 1024
	DefaultCPULimit          = 1.0
	DefaultTimeout           = 5 * time.Minute
)

var (
	// ErrDockerNotAvailable is returned when the docker daemon cannot be reached
	ErrDockerNotAvailable = errors.New("docker is not available")

	// ErrImagePullFailed is returned when image pull fails
	ErrImagePullFailed = errors.New("failed to pull docker image")

	// ErrContainerFailed is returned when container execution fails
	ErrContainerFailed = errors.New("container execution failed")

	// ErrTimeout is returned when execution times out
	ErrTimeout = errors.New("execution timeout")
)
