package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// DockerRunner implements Runner on top of the local docker daemon
type DockerRunner struct {
	client     *client.Client
	logger     *logrus.Logger
	mu         sync.Mutex
	imageCache map[string]bool
}

// NewDockerRunner connects to the docker daemon configured by the environment
func NewDockerRunner(logger *logrus.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDockerNotAvailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrDockerNotAvailable, err)
	}

	return &DockerRunner{
		client:     cli,
		logger:     logger,
		imageCache: make(map[string]bool),
	}, nil
}

// Run executes req in a fresh container and removes it afterwards
func (r *DockerRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	result := &Result{ExitCode: -1}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	if req.MemoryLimit == 0 {
		req.MemoryLimit = DefaultMemoryLimit
	}
	if req.CPULimit == 0 {
		req.CPULimit = DefaultCPULimit
	}
	if req.Timeout == 0 {
		req.Timeout = DefaultTimeout
	}

	if err := r.pullImage(ctx, req.Image); err != nil {
		return result, fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}

	containerID, err := r.createContainer(ctx, req)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrContainerFailed, err)
	}
	defer func() {
		// the run context may already be cancelled
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.client.ContainerRemove(rmCtx, containerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			r.logger.Warnf("failed to remove container %s: %v", containerID, err)
		}
	}()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return result, fmt.Errorf("%w: start failed: %v", ErrContainerFailed, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	statusCh, errCh := r.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if execCtx.Err() == context.DeadlineExceeded {
				return result, ErrTimeout
			}
			return result, fmt.Errorf("%w: wait failed: %v", ErrContainerFailed, err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-execCtx.Done():
		return result, ErrTimeout
	}

	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err == nil {
		var stdout, stderr bytes.Buffer
		if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
			r.logger.Debugf("failed to demultiplex container logs: %v", err)
		}
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		logs.Close()
	}

	if result.ExitCode != 0 {
		return result, fmt.Errorf("%w: exit code %d: %s", ErrContainerFailed, result.ExitCode, result.Stderr)
	}
	return result, nil
}

// pullImage ensures the image is available locally
func (r *DockerRunner) pullImage(ctx context.Context, ref string) error {
	r.mu.Lock()
	cached := r.imageCache[ref]
	r.mu.Unlock()
	if cached {
		return nil
	}

	if _, err := r.client.ImageInspect(ctx, ref); err == nil {
		r.markPulled(ref)
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	r.logger.Infof("Pulling image %s", ref)
	reader, err := r.client.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %v", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull output for %s: %v", ref, err)
	}

	r.markPulled(ref)
	return nil
}

func (r *DockerRunner) markPulled(ref string) {
	r.mu.Lock()
	r.imageCache[ref] = true
	r.mu.Unlock()
}

func (r *DockerRunner) createContainer(ctx context.Context, req *Request) (string, error) {
	config := &container.Config{
		Image:           req.Image,
		Cmd:             req.Cmd,
		Env:             envList(req.Env),
		WorkingDir:      req.WorkDir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: req.NetworkDisabled,
	}

	hostConfig := &container.HostConfig{
		Binds: bindList(req.Mounts),
		Resources: container.Resources{
			Memory:   req.MemoryLimit,
			NanoCPUs: int64(req.CPULimit * 1e9),
		},
	}
	if req.NetworkDisabled {
		hostConfig.NetworkMode = "none"
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %v", err)
	}
	return resp.ID, nil
}

// Close releases the docker client
func (r *DockerRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func bindList(mounts []Mount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		out = append(out, bind)
	}
	return out
}
