package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/platinummonkey/plugd/pkg/build"
	"github.com/platinummonkey/plugd/pkg/config"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/sandbox"
	"github.com/platinummonkey/plugd/pkg/storage"
	"github.com/sirupsen/logrus"
)

func newBuildCommand() *Command {
	cmd := &Command{
		Name:        "build",
		Description: "Build a plugin source tree into a package",
		Flags:       flag.NewFlagSet("build", flag.ContinueOnError),
		Run:         runBuild,
	}

	cmd.Flags.String("dir", ".", "Plugin source directory")
	cmd.Flags.String("developer", "", "Developer ID recorded in the upload key")
	cmd.Flags.String("out", build.DefaultConfig().OutputDir, "Output directory for archives")
	cmd.Flags.Bool("docker", true, "Run the node toolchain in a container")
	cmd.Flags.Bool("upload", false, "Upload the archive to object storage")
	cmd.Flags.Bool("watch", false, "Rebuild when sources change")
	cmd.Flags.Bool("json", false, "Print the result as JSON")
	cmd.Flags.Duration("debounce", 500*time.Millisecond, "Quiet period before a watch rebuild")

	return cmd
}

type buildOptions struct {
	dir       string
	developer string
	out       string
	docker    bool
	upload    bool
	watch     bool
	asJSON    bool
	debounce  time.Duration
}

func parseBuildFlags(args []string, cfg *config.Config) (*buildOptions, error) {
	flags := flag.NewFlagSet("build", flag.ContinueOnError)
	opts := &buildOptions{}
	flags.StringVar(&opts.dir, "dir", ".", "Plugin source directory")
	flags.StringVar(&opts.developer, "developer", "", "Developer ID recorded in the upload key")
	flags.StringVar(&opts.out, "out", cfg.Build.OutputDir, "Output directory for archives")
	flags.BoolVar(&opts.docker, "docker", cfg.Build.UseDocker, "Run the node toolchain in a container")
	flags.BoolVar(&opts.upload, "upload", false, "Upload the archive to object storage")
	flags.BoolVar(&opts.watch, "watch", false, "Rebuild when sources change")
	flags.BoolVar(&opts.asJSON, "json", false, "Print the result as JSON")
	flags.DurationVar(&opts.debounce, "debounce", 500*time.Millisecond, "Quiet period before a watch rebuild")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(opts.dir)
	if err != nil {
		return nil, fmt.Errorf("invalid source directory: %w", err)
	}
	opts.dir = abs
	return opts, nil
}

func runBuild(args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	opts, err := parseBuildFlags(args, cfg)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, closeFn, err := newPipeline(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	buildOnce := func() error {
		result, err := pipeline.Build(ctx, build.Request{SourceDir: opts.dir, DeveloperID: opts.developer})
		if perr := printBuildResult(result, opts.asJSON); perr != nil {
			logger.Warnf("Failed to print build result: %v", perr)
		}
		return err
	}

	if !opts.watch {
		return buildOnce()
	}

	if err := buildOnce(); err != nil {
		logger.Errorf("Build failed: %v", err)
	}
	out, _ := filepath.Abs(opts.out)
	w := &watcher{
		dir:      opts.dir,
		debounce: opts.debounce,
		exclude:  []string{out},
		logger:   logger,
		rebuild: func() {
			if err := buildOnce(); err != nil {
				logger.Errorf("Build failed: %v", err)
			}
		},
	}
	return w.run(ctx)
}

// newPipeline wires the toolchain and optional uploader
func newPipeline(ctx context.Context, cfg *config.Config, opts *buildOptions, logger *logrus.Logger) (*build.Pipeline, func(), error) {
	closeFn := func() {}

	var toolchain build.Toolchain
	if opts.docker {
		runner, err := sandbox.NewDockerRunner(logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to docker (use -docker=false for a local node toolchain): %w", err)
		}
		closeFn = func() { runner.Close() }
		toolchain = build.NewDockerToolchain(runner, cfg.Build.Toolchain, logger)
	} else {
		toolchain = build.NewLocalToolchain(cfg.Build.Toolchain, logger)
	}

	var uploader build.Uploader
	if opts.upload {
		if cfg.Storage.S3Bucket == "" {
			closeFn()
			return nil, nil, fmt.Errorf("-upload requires PLUGD_S3_BUCKET")
		}
		store, err := storage.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		uploader = store
	}

	pipeline := build.NewPipeline(build.Config{
		WorkspaceRoot:  cfg.Build.WorkspaceRoot,
		OutputDir:      opts.out,
		KeepWorkspace:  cfg.Build.KeepWorkspace,
		CompileWorkers: cfg.Build.CompileWorkers,
	}, toolchain, uploader, logger)
	pipeline.SetRecorder(stageLogger{logger: logger})
	return pipeline, closeFn, nil
}

// stageLogger reports stage timings at debug level
type stageLogger struct {
	logger *logrus.Logger
}

func (s stageLogger) RecordStage(stage string, d time.Duration, err error) {
	entry := s.logger.WithFields(logrus.Fields{"stage": stage, "duration": d.Round(time.Millisecond)})
	if err != nil {
		entry.WithError(err).Debug("Stage failed")
		return
	}
	entry.Debug("Stage finished")
}

func printBuildResult(r *build.Result, asJSON bool) error {
	if r == nil {
		return nil
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if !r.Success {
		fmt.Fprintf(stdout, "✗ build failed for %s@%s\n", orUnknown(r.PluginSlug), orUnknown(r.Version))
		for _, e := range r.Errors {
			fmt.Fprintf(stdout, "  %s\n", e)
		}
		return nil
	}
	fmt.Fprintf(stdout, "✓ built %s@%s\n", r.PluginSlug, r.Version)
	fmt.Fprintf(stdout, "  archive:  %s (%d bytes)\n", r.ArchivePath, r.SizeBytes)
	fmt.Fprintf(stdout, "  sha256:   %s\n", r.Checksum)
	if r.ObjectStorageURL != "" {
		fmt.Fprintf(stdout, "  uploaded: %s\n", r.ObjectStorageURL)
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}
