// Package config loads plugd configuration from PLUGD_* environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	PLUGD_HOST="0.0.0.0"
//	PLUGD_PORT="8080"
//	PLUGD_HEALTH_PORT="9090"
//	PLUGD_ALLOWED_ORIGINS="https://app.example.com"
//	PLUGD_RATE_LIMIT_PER_MINUTE="30"  # 0 disables
//
// Storage settings:
//
//	PLUGD_DB_DRIVER="postgres"  # postgres, sqlite3
//	PLUGD_DB_DSN="postgres://plugd@localhost/plugd"
//	PLUGD_S3_BUCKET="plugd-plugins"
//	PLUGD_REDIS_URL="redis://localhost:6379"
//
// Plugin runtime settings:
//
//	PLUGD_PLUGIN_ROOT="/var/lib/plugd/plugins"
//	PLUGD_ROLES="ADMIN,USER"
//	PLUGD_HOOK_TIMEOUT="30s"
//	PLUGD_RECONCILE_SCHEDULE="@every 5m"
//
// Catalog, auth and webhooks:
//
//	PLUGD_CATALOG_SOURCE="http"  # sql, http
//	PLUGD_CATALOG_URL="https://marketplace.example.com"
//	PLUGD_AUTH_ENABLED="true"
//	PLUGD_OIDC_ISSUER="https://id.example.com"
//	PLUGD_WEBHOOK_URLS="https://hooks.example.com/plugd"
//	PLUGD_WEBHOOK_SECRET="..."
//
// Observability settings:
//
//	PLUGD_LOG_LEVEL="info"  # debug, info, warn, error
//	PLUGD_LOG_FORMAT="json"  # text, json
//	PLUGD_OTEL_ENABLED="true"
//	PLUGD_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Unparseable numeric, boolean and duration values fall back to their
// defaults. LoadConfig fails only when the resulting configuration does not
// pass Validate.
package config
