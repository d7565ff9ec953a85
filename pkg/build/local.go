package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalToolchain runs the node tooling found on the host PATH
type LocalToolchain struct {
	scriptedToolchain
	logger *logrus.Logger
}

// NewLocalToolchain creates a host toolchain
func NewLocalToolchain(cfg ToolchainConfig, logger *logrus.Logger) *LocalToolchain {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	t := &LocalToolchain{logger: logger}
	t.cfg = cfg
	t.exec = t.run
	return t
}

func (t *LocalToolchain) run(ctx context.Context, ws string, argv []string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.logger.Debugf("Running %v in %s", argv[:min(len(argv), 3)], ws)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = ws
	cmd.Env = append(os.Environ(), "npm_config_update_notifier=false")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: timed out after %v", argv[0], timeout)
		}
		return "", fmt.Errorf("%s: %w: %s", argv[0], err, tail(stderr.String(), 2048))
	}
	return stdout.String(), nil
}
