package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Uploader stores finished archives
type Uploader interface {
	Key(parts ...string) string
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (string, error)
}

// Recorder receives per-stage measurements
type Recorder interface {
	RecordStage(stage string, duration time.Duration, err error)
}

// Pipeline turns a plugin source tree into a checksummed package
type Pipeline struct {
	cfg       Config
	toolchain Toolchain
	uploader  Uploader
	recorder  Recorder
	logger    *logrus.Logger
}

// NewPipeline creates a pipeline. A nil uploader leaves archives local.
func NewPipeline(cfg Config, toolchain Toolchain, uploader Uploader, logger *logrus.Logger) *Pipeline {
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultConfig().OutputDir
	}
	if cfg.CompileWorkers <= 0 {
		cfg.CompileWorkers = DefaultConfig().CompileWorkers
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{cfg: cfg, toolchain: toolchain, uploader: uploader, logger: logger}
}

// SetRecorder installs a metrics recorder
func (p *Pipeline) SetRecorder(r Recorder) {
	p.recorder = r
}

// run tracks one build's accumulated state
type run struct {
	ctx    context.Context
	p      *Pipeline
	req    Request
	m      *manifest.Manifest
	ws     string
	result *Result
	errs   []StageError
	log    *logrus.Entry
}

// Build runs every stage. Copy, archive, checksum and upload failures stop
// the build; install and compile failures are collected and the remaining
// stages still run. Any failure yields a Result with Success false and an
// *Error. An archive with failures is never uploaded.
func (p *Pipeline) Build(ctx context.Context, req Request) (*Result, error) {
	m, _, err := manifest.LoadFromDir(req.SourceDir)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(m).Err(); err != nil {
		return nil, err
	}

	r := &run{
		ctx:    ctx,
		p:      p,
		req:    req,
		m:      m,
		result: &Result{PluginSlug: m.Slug, Version: m.Version},
		log:    p.logger.WithFields(logrus.Fields{"slug": m.Slug, "version": m.Version}),
	}
	r.log.Info("Starting build")

	if err := r.stage(StageCopy, r.prepareWorkspace); err != nil {
		return r.finish()
	}
	defer r.cleanup()

	r.stage(StageInstall, r.install)
	r.stage(StageCompileServer, r.compileServer)
	r.stage(StageCompileClient, r.compileClient)
	r.stage(StageComponents, r.compileComponents)
	r.stage(StageImports, r.rewriteImports)

	if err := r.stage(StageArchive, r.archive); err != nil {
		return r.finish()
	}
	if err := r.stage(StageChecksum, r.checksum); err != nil {
		return r.finish()
	}

	switch {
	case len(r.errs) > 0:
		r.log.Warn("Skipping upload, build has errors")
	case p.uploader == nil:
		r.log.Info("No object storage configured, archive kept locally")
	default:
		r.stage(StageUpload, r.upload)
	}

	return r.finish()
}

// stage runs fn, timing it and recording any failure
func (r *run) stage(s Stage, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(r.ctx)
	if r.p.recorder != nil {
		r.p.recorder.RecordStage(string(s), time.Since(start), err)
	}
	if err != nil {
		r.fail(s, err)
		return err
	}
	r.log.WithField("stage", s).Debugf("Stage finished in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *run) fail(s Stage, err error) {
	r.log.WithField("stage", s).Errorf("Stage failed: %v", err)
	r.errs = append(r.errs, StageError{Stage: s, Message: err.Error()})
}

func (r *run) finish() (*Result, error) {
	for _, e := range r.errs {
		r.result.Errors = append(r.result.Errors, e.String())
	}
	if r.result.Errors == nil {
		r.result.Errors = []string{}
	}
	r.result.Success = len(r.errs) == 0
	if r.result.Success {
		r.log.WithField("checksum", r.result.Checksum).Info("Build succeeded")
		return r.result, nil
	}
	return r.result, &Error{Slug: r.m.Slug, Errors: append([]StageError(nil), r.errs...)}
}

func (r *run) prepareWorkspace(context.Context) error {
	root := r.p.cfg.WorkspaceRoot
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("failed to create workspace root: %w", err)
		}
	}
	ws, err := os.MkdirTemp(root, "plugd-build-"+r.m.Slug+"-")
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	r.ws = ws
	if err := copySource(r.req.SourceDir, ws); err != nil {
		return fmt.Errorf("failed to copy sources: %w", err)
	}
	return nil
}

func (r *run) cleanup() {
	if r.ws == "" || r.p.cfg.KeepWorkspace {
		return
	}
	start := time.Now()
	err := os.RemoveAll(r.ws)
	if r.p.recorder != nil {
		r.p.recorder.RecordStage(string(StageCleanup), time.Since(start), err)
	}
	if err != nil {
		r.log.Warnf("failed to remove workspace %s: %v", r.ws, err)
	}
}

func (r *run) install(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.ws, "package.json")); os.IsNotExist(err) {
		r.log.Debug("No package.json, skipping dependency install")
		return nil
	}
	return r.p.toolchain.Install(ctx, r.ws)
}

func (r *run) compileServer(ctx context.Context) error {
	if r.m.Backend == nil || r.m.Backend.Entry == "" {
		return nil
	}
	files, err := collectFiles(r.ws, entryDir(r.m.Backend.Entry), isCompilable)
	if err != nil {
		return err
	}
	return r.p.toolchain.Compile(ctx, CompileJob{Workspace: r.ws, Target: TargetServer, Files: files})
}

func (r *run) compileClient(ctx context.Context) error {
	if r.m.Frontend == nil || r.m.Frontend.Entry == "" {
		return nil
	}
	files, err := collectFiles(r.ws, entryDir(r.m.Frontend.Entry), isCompilable)
	if err != nil {
		return err
	}
	return r.p.toolchain.Compile(ctx, CompileJob{Workspace: r.ws, Target: TargetBrowser, Files: files})
}

// compileComponents compiles every .vue file under the frontend directory,
// fanning out across CompileWorkers. Every component is attempted; failures
// are joined into one stage error.
func (r *run) compileComponents(ctx context.Context) error {
	if r.m.Frontend == nil || r.m.Frontend.Entry == "" {
		return nil
	}
	files, err := collectFiles(r.ws, entryDir(r.m.Frontend.Entry), func(name string) bool {
		return strings.HasSuffix(name, ".vue")
	})
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.cfg.CompileWorkers)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := r.compileComponent(gctx, f); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", f, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == 0 {
		return nil
	}
	// keep output stable regardless of completion order
	sort.Strings(errs)
	return fmt.Errorf("%s", strings.Join(errs, "; "))
}

func (r *run) compileComponent(ctx context.Context, rel string) error {
	abs := filepath.Join(r.ws, filepath.FromSlash(rel))
	src, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	d, err := parseSFC(string(src))
	if err != nil {
		return err
	}

	id := componentID(rel)
	var script, render string
	if d.Script != "" {
		if script, err = r.p.toolchain.CompileScript(ctx, r.ws, ScriptSource{Path: rel, Content: d.Script, Lang: d.ScriptLang}); err != nil {
			return fmt.Errorf("script: %w", err)
		}
	}
	if d.Template != "" {
		if render, err = r.p.toolchain.CompileTemplate(ctx, r.ws, TemplateSource{Path: rel, Content: d.Template, ID: id}); err != nil {
			return fmt.Errorf("template: %w", err)
		}
	}

	out := assembleSFC(id, script, render, d.Styles)
	return os.WriteFile(abs+".js", []byte(out), 0o644)
}

func (r *run) rewriteImports(context.Context) error {
	if r.m.Frontend == nil || r.m.Frontend.Entry == "" {
		return nil
	}
	files, err := collectFiles(r.ws, entryDir(r.m.Frontend.Entry), func(name string) bool {
		return strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".mjs")
	})
	if err != nil {
		return err
	}
	for _, rel := range files {
		abs := filepath.Join(r.ws, filepath.FromSlash(rel))
		src, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		out := rewriteImports(string(src))
		if out == string(src) {
			continue
		}
		if err := os.WriteFile(abs, []byte(out), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) archivePath() string {
	return filepath.Join(r.p.cfg.OutputDir, fmt.Sprintf("%s-%s.tar.gz", r.m.Slug, r.m.Version))
}

func (r *run) archive(context.Context) error {
	dst, err := filepath.Abs(r.archivePath())
	if err != nil {
		return err
	}
	size, err := writeArchive(r.ws, dst)
	if err != nil {
		return err
	}
	r.result.ArchivePath = dst
	r.result.SizeBytes = size
	return nil
}

func (r *run) checksum(context.Context) error {
	sum, err := checksumFile(r.result.ArchivePath)
	if err != nil {
		return fmt.Errorf("failed to checksum archive: %w", err)
	}
	r.result.Checksum = sum
	return nil
}

func (r *run) upload(ctx context.Context) error {
	f, err := os.Open(r.result.ArchivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	developer := r.req.DeveloperID
	if developer == "" {
		developer = "local"
	}
	key := r.p.uploader.Key(developer, r.m.Slug, r.m.Version, fmt.Sprintf("%s-%s.tar.gz", r.m.Slug, r.m.Version))
	url, err := r.p.uploader.Put(ctx, key, f, r.result.SizeBytes, "application/gzip", map[string]string{
		"sha256":  r.result.Checksum,
		"slug":    r.m.Slug,
		"version": r.m.Version,
	})
	if err != nil {
		return err
	}
	r.result.ObjectStorageURL = url
	return nil
}
