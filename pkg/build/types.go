package build

import "time"

// Request asks for one build
type Request struct {
	SourceDir   string
	DeveloperID string
}

// Result describes a finished build. It is never modified after Build returns.
type Result struct {
	PluginSlug       string   `json:"pluginSlug"`
	Version          string   `json:"version"`
	ArchivePath      string   `json:"archivePath,omitempty"`
	ObjectStorageURL string   `json:"objectStorageUrl,omitempty"`
	SizeBytes        int64    `json:"sizeBytes"`
	Checksum         string   `json:"checksum,omitempty"`
	Errors           []string `json:"errors"`
	Success          bool     `json:"success"`
}

// Config controls the pipeline
type Config struct {
	WorkspaceRoot  string // parent of per-build workspaces; os.TempDir() when empty
	OutputDir      string // where archives are written
	KeepWorkspace  bool
	CompileWorkers int
}

// DefaultConfig returns local development defaults
func DefaultConfig() Config {
	return Config{
		OutputDir:      "dist-plugins",
		CompileWorkers: 4,
	}
}

// ToolchainConfig holds the node toolchain settings shared by implementations
type ToolchainConfig struct {
	Image          string
	ServerTarget   string
	BrowserTarget  string
	InstallTimeout time.Duration
	CompileTimeout time.Duration
	MemoryLimit    int64
	CPULimit       float64
}

// DefaultToolchainConfig returns defaults for node 20
func DefaultToolchainConfig() ToolchainConfig {
	return ToolchainConfig{
		Image:          "node:20-alpine",
		ServerTarget:   "node18",
		BrowserTarget:  "es2020",
		InstallTimeout: 10 * time.Minute,
		CompileTimeout: 5 * time.Minute,
	}
}

func (c *ToolchainConfig) applyDefaults() {
	d := DefaultToolchainConfig()
	if c.Image == "" {
		c.Image = d.Image
	}
	if c.ServerTarget == "" {
		c.ServerTarget = d.ServerTarget
	}
	if c.BrowserTarget == "" {
		c.BrowserTarget = d.BrowserTarget
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = d.InstallTimeout
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = d.CompileTimeout
	}
}
