package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/build"
	"github.com/platinummonkey/plugd/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Plugins       PluginsConfig
	Build         BuildConfig
	Catalog       CatalogConfig
	Auth          AuthConfig
	Webhooks      WebhooksConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Lifecycle mutation rate limit; zero disables it
	RateLimitPerMinute int
}

// PluginsConfig holds runtime settings for installed plugins
type PluginsConfig struct {
	Root              string
	Roles             []string
	DownloadTimeout   time.Duration
	ExtractTimeout    time.Duration
	MaxArchiveBytes   int64
	MaxExtractedBytes int64

	HookTimeout     time.Duration
	HookImage       string
	HookMemoryLimit int64
	HookCPULimit    float64
	HooksInSandbox  bool

	RestoreWorkers    int
	ReconcileSchedule string
	StaleAfter        time.Duration

	BundleCacheSize int
	BundleCacheTTL  time.Duration
	AssetPrefix     string

	EventsChannel   string
	SSEKeepAlive    time.Duration
	WatchPluginRoot bool
}

// BuildConfig holds the developer build pipeline settings
type BuildConfig struct {
	WorkspaceRoot  string
	OutputDir      string
	KeepWorkspace  bool
	CompileWorkers int
	UseDocker      bool
	Toolchain      build.ToolchainConfig
}

// CatalogConfig selects where publisher plugin IDs are resolved
type CatalogConfig struct {
	// "sql" reads listings from the runtime database, "http" calls the
	// marketplace backend
	Source       string
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// AuthConfig holds OIDC bearer token settings
type AuthConfig struct {
	Enabled    bool
	IssuerURL  string
	ClientID   string
	RolesClaim string
	AdminRole  string
}

// WebhooksConfig holds outbound event delivery settings
type WebhooksConfig struct {
	URLs        []string
	Secret      string
	Types       []string
	Timeout     time.Duration
	MaxAttempts int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Plugins:       loadPluginsConfig(),
		Build:         loadBuildConfig(),
		Catalog:       loadCatalogConfig(),
		Auth:          loadAuthConfig(),
		Webhooks:      loadWebhooksConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:        getEnv("PLUGD_HOST", "0.0.0.0"),
		Port:        getEnv("PLUGD_PORT", "8080"),
		ReadTimeout: getEnvDuration("PLUGD_READ_TIMEOUT", 15*time.Second),
		// installs and updates run inside the request
		WriteTimeout:       getEnvDuration("PLUGD_WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:        getEnvDuration("PLUGD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getEnvDuration("PLUGD_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:       getEnvInt64("PLUGD_MAX_BODY_BYTES", 1<<20),
		AllowedOrigins:     getEnvList("PLUGD_ALLOWED_ORIGINS", nil),
		HealthPort:         getEnv("PLUGD_HEALTH_PORT", "9090"),
		RateLimitPerMinute: getEnvInt("PLUGD_RATE_LIMIT_PER_MINUTE", 30),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Driver = getEnv("PLUGD_DB_DRIVER", cfg.Driver)
	cfg.DSN = getEnv("PLUGD_DB_DSN", cfg.DSN)
	if n := getEnvInt("PLUGD_DB_MAX_OPEN_CONNS", 0); n > 0 {
		cfg.MaxOpenConns = n
	}
	if n := getEnvInt("PLUGD_DB_MAX_IDLE_CONNS", 0); n > 0 {
		cfg.MaxIdleConns = n
	}
	cfg.ConnMaxLifetime = getEnvDuration("PLUGD_DB_CONN_MAX_LIFETIME", cfg.ConnMaxLifetime)
	cfg.ConnectTimeout = getEnvDuration("PLUGD_DB_CONNECT_TIMEOUT", cfg.ConnectTimeout)

	cfg.S3Endpoint = getEnv("PLUGD_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("PLUGD_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("PLUGD_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("PLUGD_S3_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("PLUGD_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("PLUGD_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("PLUGD_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)
	cfg.S3PublicURL = getEnv("PLUGD_S3_PUBLIC_URL", cfg.S3PublicURL)
	cfg.S3PresignTTL = getEnvDuration("PLUGD_S3_PRESIGN_TTL", cfg.S3PresignTTL)

	cfg.RedisURL = getEnv("PLUGD_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("PLUGD_REDIS_PASSWORD", cfg.RedisPassword)
	if db := getEnvInt("PLUGD_REDIS_DB", -1); db >= 0 {
		cfg.RedisDB = db
	}
	if n := getEnvInt("PLUGD_REDIS_MAX_RETRIES", 0); n > 0 {
		cfg.RedisMaxRetries = n
	}
	if n := getEnvInt("PLUGD_REDIS_POOL_SIZE", 0); n > 0 {
		cfg.RedisPoolSize = n
	}

	return cfg
}

func loadPluginsConfig() PluginsConfig {
	return PluginsConfig{
		Root:              getEnv("PLUGD_PLUGIN_ROOT", "plugins"),
		Roles:             getEnvList("PLUGD_ROLES", []string{"ADMIN", "USER"}),
		DownloadTimeout:   getEnvDuration("PLUGD_DOWNLOAD_TIMEOUT", 2*time.Minute),
		ExtractTimeout:    getEnvDuration("PLUGD_EXTRACT_TIMEOUT", time.Minute),
		MaxArchiveBytes:   getEnvInt64("PLUGD_MAX_ARCHIVE_BYTES", 200<<20),
		MaxExtractedBytes: getEnvInt64("PLUGD_MAX_EXTRACTED_BYTES", 1<<30),

		HookTimeout:     getEnvDuration("PLUGD_HOOK_TIMEOUT", 30*time.Second),
		HookImage:       getEnv("PLUGD_HOOK_IMAGE", "node:20-alpine"),
		HookMemoryLimit: getEnvInt64("PLUGD_HOOK_MEMORY_LIMIT", 256<<20),
		HookCPULimit:    getEnvFloat("PLUGD_HOOK_CPU_LIMIT", 0.5),
		HooksInSandbox:  getEnvBool("PLUGD_HOOKS_SANDBOX", true),

		RestoreWorkers:    getEnvInt("PLUGD_RESTORE_WORKERS", 4),
		ReconcileSchedule: getEnv("PLUGD_RECONCILE_SCHEDULE", "@every 5m"),
		StaleAfter:        getEnvDuration("PLUGD_STALE_AFTER", 15*time.Minute),

		BundleCacheSize: getEnvInt("PLUGD_BUNDLE_CACHE_SIZE", 256),
		BundleCacheTTL:  getEnvDuration("PLUGD_BUNDLE_CACHE_TTL", 10*time.Minute),
		AssetPrefix:     getEnv("PLUGD_ASSET_PREFIX", "/plugin-assets"),

		EventsChannel:   getEnv("PLUGD_EVENTS_CHANNEL", "plugd:events"),
		SSEKeepAlive:    getEnvDuration("PLUGD_SSE_KEEPALIVE", 15*time.Second),
		WatchPluginRoot: getEnvBool("PLUGD_WATCH_PLUGIN_ROOT", true),
	}
}

func loadBuildConfig() BuildConfig {
	def := build.DefaultConfig()
	tc := build.DefaultToolchainConfig()
	return BuildConfig{
		WorkspaceRoot:  getEnv("PLUGD_BUILD_WORKSPACE", def.WorkspaceRoot),
		OutputDir:      getEnv("PLUGD_BUILD_OUTPUT_DIR", def.OutputDir),
		KeepWorkspace:  getEnvBool("PLUGD_BUILD_KEEP_WORKSPACE", false),
		CompileWorkers: getEnvInt("PLUGD_BUILD_WORKERS", def.CompileWorkers),
		UseDocker:      getEnvBool("PLUGD_BUILD_DOCKER", true),
		Toolchain: build.ToolchainConfig{
			Image:          getEnv("PLUGD_BUILD_IMAGE", tc.Image),
			ServerTarget:   getEnv("PLUGD_BUILD_SERVER_TARGET", tc.ServerTarget),
			BrowserTarget:  getEnv("PLUGD_BUILD_BROWSER_TARGET", tc.BrowserTarget),
			InstallTimeout: getEnvDuration("PLUGD_BUILD_INSTALL_TIMEOUT", tc.InstallTimeout),
			CompileTimeout: getEnvDuration("PLUGD_BUILD_COMPILE_TIMEOUT", tc.CompileTimeout),
			MemoryLimit:    getEnvInt64("PLUGD_BUILD_MEMORY_LIMIT", tc.MemoryLimit),
			CPULimit:       getEnvFloat("PLUGD_BUILD_CPU_LIMIT", tc.CPULimit),
		},
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Source:       strings.ToLower(getEnv("PLUGD_CATALOG_SOURCE", "sql")),
		BaseURL:      getEnv("PLUGD_CATALOG_URL", ""),
		APIKey:       getEnv("PLUGD_CATALOG_API_KEY", ""),
		Timeout:      getEnvDuration("PLUGD_CATALOG_TIMEOUT", 15*time.Second),
		ClientID:     getEnv("PLUGD_CATALOG_CLIENT_ID", ""),
		ClientSecret: getEnv("PLUGD_CATALOG_CLIENT_SECRET", ""),
		TokenURL:     getEnv("PLUGD_CATALOG_TOKEN_URL", ""),
		Scopes:       getEnvList("PLUGD_CATALOG_SCOPES", nil),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:    getEnvBool("PLUGD_AUTH_ENABLED", false),
		IssuerURL:  getEnv("PLUGD_OIDC_ISSUER", ""),
		ClientID:   getEnv("PLUGD_OIDC_CLIENT_ID", ""),
		RolesClaim: getEnv("PLUGD_OIDC_ROLES_CLAIM", "roles"),
		AdminRole:  getEnv("PLUGD_ADMIN_ROLE", "ADMIN"),
	}
}

func loadWebhooksConfig() WebhooksConfig {
	return WebhooksConfig{
		URLs:        getEnvList("PLUGD_WEBHOOK_URLS", nil),
		Secret:      getEnv("PLUGD_WEBHOOK_SECRET", ""),
		Types:       getEnvList("PLUGD_WEBHOOK_EVENTS", nil),
		Timeout:     getEnvDuration("PLUGD_WEBHOOK_TIMEOUT", 10*time.Second),
		MaxAttempts: getEnvInt("PLUGD_WEBHOOK_MAX_ATTEMPTS", 5),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("PLUGD_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("PLUGD_LOG_FORMAT", "text")),
		MetricsEnabled:     getEnvBool("PLUGD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PLUGD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLUGD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PLUGD_OTEL_SERVICE_NAME", "plugd"),
		OTelServiceVersion: getEnv("PLUGD_OTEL_SERVICE_VERSION", ""),
		OTelInsecure:       getEnvBool("PLUGD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PLUGD_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Driver {
	case storage.DriverPostgres, storage.DriverSQLite:
	default:
		return fmt.Errorf("invalid database driver: %s (must be %s or %s)", c.Storage.Driver, storage.DriverPostgres, storage.DriverSQLite)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if (c.Storage.S3AccessKey == "") != (c.Storage.S3SecretKey == "") {
		return fmt.Errorf("S3 access key and secret key must be set together")
	}

	if c.Plugins.Root == "" {
		return fmt.Errorf("plugin root directory is required")
	}
	if len(c.Plugins.Roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	if c.Plugins.HookTimeout <= 0 {
		return fmt.Errorf("hook timeout must be positive")
	}
	if c.Plugins.StaleAfter <= 0 {
		return fmt.Errorf("stale-after threshold must be positive")
	}

	switch c.Catalog.Source {
	case "sql":
	case "http":
		if c.Catalog.BaseURL == "" {
			return fmt.Errorf("catalog URL is required for the http catalog")
		}
		if c.Catalog.ClientID != "" && c.Catalog.TokenURL == "" {
			return fmt.Errorf("catalog token URL is required with a client ID")
		}
	default:
		return fmt.Errorf("invalid catalog source: %s (must be sql or http)", c.Catalog.Source)
	}

	if c.Auth.Enabled && (c.Auth.IssuerURL == "" || c.Auth.ClientID == "") {
		return fmt.Errorf("OIDC issuer and client ID are required when auth is enabled")
	}

	if len(c.Webhooks.URLs) > 0 && c.Webhooks.Secret == "" {
		return fmt.Errorf("webhook secret is required when webhook URLs are set")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	if c.Observability.LogFormat != "text" && c.Observability.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
