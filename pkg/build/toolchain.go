package build

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Target selects the module format of a compile
type Target string

const (
	// TargetServer is CommonJS for node
	TargetServer Target = "server"
	// TargetBrowser is ES modules for the browser
	TargetBrowser Target = "browser"
)

// CompileJob is a batch of sources compiled in place. Files are
// workspace-relative with forward slashes.
type CompileJob struct {
	Workspace string
	Target    Target
	Files     []string
}

// ScriptSource is the script block of a single-file component
type ScriptSource struct {
	Path    string // component path, workspace-relative
	Content string
	Lang    string // "js" or "ts"
}

// TemplateSource is the template block of a single-file component
type TemplateSource struct {
	Path    string
	Content string
	ID      string
}

// Toolchain runs the node tooling a build needs
type Toolchain interface {
	Install(ctx context.Context, ws string) error
	Compile(ctx context.Context, job CompileJob) error
	CompileScript(ctx context.Context, ws string, src ScriptSource) (string, error)
	CompileTemplate(ctx context.Context, ws string, src TemplateSource) (string, error)
}

// scratchDir is the workspace-relative directory for intermediate files. It
// is never archived.
const scratchDir = ".plugd"

// templateCompiler is run with node to turn a template into a render function
const templateCompiler = `const {compileTemplate}=require("@vue/compiler-sfc");` +
	`const fs=require("fs");const f=process.argv[1];` +
	`const r=compileTemplate({source:fs.readFileSync(f,"utf8"),filename:f,id:process.argv[2]});` +
	`if(r.errors.length){console.error(r.errors.map(String).join("\n"));process.exit(1)}` +
	`process.stdout.write(r.code)`

// execFunc runs argv with ws as working directory and returns stdout
type execFunc func(ctx context.Context, ws string, argv []string, timeout time.Duration) (string, error)

// scriptedToolchain implements Toolchain with npm, npx esbuild and the vue
// compiler. Where the commands run is decided by exec.
type scriptedToolchain struct {
	cfg  ToolchainConfig
	exec execFunc
}

func (t *scriptedToolchain) Install(ctx context.Context, ws string) error {
	argv := []string{"npm", "install", "--no-audit", "--no-fund"}
	if _, err := os.Stat(filepath.Join(ws, "package-lock.json")); err == nil {
		argv = []string{"npm", "ci", "--no-audit", "--no-fund"}
	}
	_, err := t.exec(ctx, ws, argv, t.cfg.InstallTimeout)
	return err
}

func (t *scriptedToolchain) Compile(ctx context.Context, job CompileJob) error {
	if len(job.Files) == 0 {
		return nil
	}
	argv := append([]string{"npx", "--yes", "esbuild"}, job.Files...)
	argv = append(argv, "--outdir=.", "--outbase=.", "--log-level=warning")
	switch job.Target {
	case TargetServer:
		argv = append(argv, "--format=cjs", "--platform=node", "--target="+t.cfg.ServerTarget)
	case TargetBrowser:
		argv = append(argv, "--format=esm", "--platform=browser", "--target="+t.cfg.BrowserTarget)
	default:
		return fmt.Errorf("unknown compile target %q", job.Target)
	}
	_, err := t.exec(ctx, job.Workspace, argv, t.cfg.CompileTimeout)
	return err
}

func (t *scriptedToolchain) CompileScript(ctx context.Context, ws string, src ScriptSource) (string, error) {
	loader := "js"
	if src.Lang == "ts" {
		loader = "ts"
	}
	rel, err := writeScratch(ws, src.Path, "script."+loader, src.Content)
	if err != nil {
		return "", err
	}
	argv := []string{"npx", "--yes", "esbuild", rel, "--format=esm", "--loader=" + loader,
		"--target=" + t.cfg.BrowserTarget, "--log-level=warning"}
	return t.exec(ctx, ws, argv, t.cfg.CompileTimeout)
}

func (t *scriptedToolchain) CompileTemplate(ctx context.Context, ws string, src TemplateSource) (string, error) {
	rel, err := writeScratch(ws, src.Path, "template.html", src.Content)
	if err != nil {
		return "", err
	}
	argv := []string{"node", "-e", templateCompiler, rel, src.ID}
	return t.exec(ctx, ws, argv, t.cfg.CompileTimeout)
}

// writeScratch stores content under the scratch directory and returns its
// workspace-relative path
func writeScratch(ws, component, suffix, content string) (string, error) {
	name := strings.NewReplacer("/", "__", ".", "_").Replace(component) + "." + suffix
	rel := path.Join(scratchDir, "sfc", name)
	abs := filepath.Join(ws, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}
	return rel, nil
}

// tail returns the last n bytes of s for error messages
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
