package build

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/plugd/pkg/sandbox"
	"github.com/sirupsen/logrus"
)

// containerWorkspace is where the workspace is mounted inside the container
const containerWorkspace = "/workspace"

// DockerToolchain runs the node tooling in a container with the workspace
// bind-mounted, so builds need nothing but docker on the host.
type DockerToolchain struct {
	scriptedToolchain
	runner sandbox.Runner
	logger *logrus.Logger
}

// NewDockerToolchain creates a toolchain backed by runner
func NewDockerToolchain(runner sandbox.Runner, cfg ToolchainConfig, logger *logrus.Logger) *DockerToolchain {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	t := &DockerToolchain{runner: runner, logger: logger}
	t.cfg = cfg
	t.exec = t.run
	return t
}

func (t *DockerToolchain) run(ctx context.Context, ws string, argv []string, timeout time.Duration) (string, error) {
	t.logger.Debugf("Running %v in %s", argv[:min(len(argv), 3)], t.cfg.Image)
	res, err := t.runner.Run(ctx, &sandbox.Request{
		Image:       t.cfg.Image,
		Cmd:         argv,
		WorkDir:     containerWorkspace,
		Mounts:      []sandbox.Mount{{Source: ws, Target: containerWorkspace}},
		Env:         map[string]string{"npm_config_cache": containerWorkspace + "/" + scratchDir + "/npm-cache"},
		MemoryLimit: t.cfg.MemoryLimit,
		CPULimit:    t.cfg.CPULimit,
		Timeout:     timeout,
	})
	if err != nil {
		if res != nil && res.Stderr != "" {
			return "", fmt.Errorf("%s: %w: %s", argv[0], err, tail(res.Stderr, 2048))
		}
		return "", fmt.Errorf("%s: %w", argv[0], err)
	}
	return res.Stdout, nil
}
