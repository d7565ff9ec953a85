// Package observability provides logging setup, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for plugd.
//
// # Logging
//
// Binaries build one logrus logger and pass it to every component:
//
//	logger, err := observability.NewLogger("info", observability.FormatJSON, os.Stdout)
//
// Request-scoped entries carry the request ID, the authenticated user and
// the active trace:
//
//	observability.FromContext(r.Context()).Warnf("install failed: %v", err)
//
// # Metrics
//
// Metrics registers every plugd_* series on a private registry and
// implements the recorder interfaces of the runtime packages:
//
//	metrics := observability.NewMetrics(registry)
//	fetcher.SetRecorder(metrics)
//	orchestrator.SetRecorder(metrics)
//	broadcaster.SetDropCounter(metrics)
//
// # Health
//
// HealthChecker treats the database as required and Redis plus any
// registered check (object storage) as optional; a failing optional
// dependency reports "degraded" without failing readiness.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC tracer and meter providers. Packages create
// spans through otel.Tracer; otelhttp wraps the API router.
package observability
