package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/plugd/pkg/bundle"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/loader"
	"github.com/platinummonkey/plugd/pkg/middleware"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/permissions"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Lifecycle is the installed-plugin state machine behind the API
type Lifecycle interface {
	Install(ctx context.Context, publisherPluginID, installedBy string) (*lifecycle.InstalledPlugin, error)
	SetActive(ctx context.Context, id string, active bool) (*lifecycle.InstalledPlugin, error)
	Update(ctx context.Context, id string) (*lifecycle.InstalledPlugin, error)
	Uninstall(ctx context.Context, id string) error
	UpdateConfig(ctx context.Context, id string, config json.RawMessage) (*lifecycle.InstalledPlugin, error)
	Get(ctx context.Context, id string) (*lifecycle.InstalledPlugin, error)
	List(ctx context.Context) ([]*lifecycle.InstalledPlugin, error)
}

// Resident looks up plugins loaded into this process
type Resident interface {
	GetBySlug(slug string) (*loader.Record, bool)
}

// Bundler produces browser bundles for loaded plugins
type Bundler interface {
	Generate(rec *loader.Record) (*bundle.Bundle, error)
}

// PermissionMatrix exposes the role/resource access matrix
type PermissionMatrix interface {
	Matrix(ctx context.Context, role string) ([]permissions.Row, error)
	Check(ctx context.Context, role, resource, action string) (bool, error)
	Roles() []string
}

// Deps are the collaborators the server routes to
type Deps struct {
	Lifecycle   Lifecycle
	Resident    Resident
	Bundler     Bundler
	Permissions PermissionMatrix
	// Events serves the plugin event stream; the route is omitted when nil
	Events http.Handler
}

// Config holds HTTP surface settings
type Config struct {
	// AdminRole is required for lifecycle mutations when Auth is set
	AdminRole      string
	AllowedOrigins []string
	MaxBodyBytes   int64

	// Auth, when set, authenticates every request and gates mutations
	Auth *middleware.AuthMiddleware
	// Limiter, when set, rate limits lifecycle mutations
	Limiter middleware.Limiter
	// Metrics, when set, records request counts and latencies per route
	Metrics *observability.Metrics
}

// Server represents our API server
type Server struct {
	deps   Deps
	cfg    Config
	router *mux.Router
	logger *logrus.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg Config, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		deps:   deps,
		cfg:    cfg,
		router: mux.NewRouter(),
		logger: logger,
	}
	// asset paths are checked for traversal by the handler itself, so the
	// router must not rewrite them into redirects
	s.router.SkipClean(true)
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.cfg.Metrics))
	}

	var readMW, mutateMW []func(http.Handler) http.Handler
	if s.cfg.Auth != nil {
		readMW = append(readMW, s.cfg.Auth.Handler)
		mutateMW = append(mutateMW, s.cfg.Auth.Handler, middleware.RequireRole(s.cfg.AdminRole))
	}
	if s.cfg.Limiter != nil {
		mutateMW = append(mutateMW, middleware.RateLimit(s.cfg.Limiter, s.logger))
	}
	mutateMW = append(mutateMW, httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes))
	read := httputil.Chain(readMW...)
	mutate := httputil.Chain(mutateMW...)

	// Installed plugin routes
	s.router.Handle("/installed-plugins", read(http.HandlerFunc(s.listInstalled))).Methods(http.MethodGet)
	s.router.Handle("/installed-plugins/install", mutate(http.HandlerFunc(s.install))).Methods(http.MethodPost)
	s.router.Handle("/installed-plugins/{id}", read(http.HandlerFunc(s.getInstalled))).Methods(http.MethodGet)
	s.router.Handle("/installed-plugins/{id}", mutate(http.HandlerFunc(s.uninstall))).Methods(http.MethodDelete)
	s.router.Handle("/installed-plugins/{id}/toggle", mutate(http.HandlerFunc(s.toggle))).Methods(http.MethodPatch)
	s.router.Handle("/installed-plugins/{id}/update", mutate(http.HandlerFunc(s.update))).Methods(http.MethodPost)
	s.router.Handle("/installed-plugins/{id}/config", mutate(http.HandlerFunc(s.updateConfig))).Methods(http.MethodPatch)

	// Permission matrix
	s.router.Handle("/plugin-permissions", read(http.HandlerFunc(s.listPermissions))).Methods(http.MethodGet)

	// Delivery routes are fetched by the browser's module loader, which does
	// not send bearer tokens
	s.router.HandleFunc("/plugin-bundles/{slug}/bundle.js", s.getBundle).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/plugin-bundles/{slug}/metadata", s.getBundleMetadata).Methods(http.MethodGet)
	s.router.HandleFunc("/plugin-assets/{slug}/{path:.*}", s.getAsset).Methods(http.MethodGet, http.MethodHead)

	if s.deps.Events != nil {
		s.router.Handle("/plugin-events", read(s.deps.Events)).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in tracing, request ids, access
// logging, panic recovery and CORS
func (s *Server) Handler() http.Handler {
	inner := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware,
		httputil.CORSMiddleware(s.cfg.AllowedOrigins),
	)(s.router)
	return otelhttp.NewHandler(inner, "plugd.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// NewHTTPServer builds the API server with the configured timeouts
func NewHTTPServer(addr string, handler http.Handler, read, write, idle time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}
}
