package storage

import "time"

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds the persistence settings shared by the runtime stores
type Config struct {
	// Database
	Driver          string // "postgres" or "sqlite3"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// Object storage
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3PublicURL    string // optional base URL used instead of s3:// URIs
	S3PresignTTL   time.Duration

	// Redis
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible defaults for local development
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "file:plugd.db?_foreign_keys=on",
		MaxOpenConns:    20,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  10 * time.Second,
		S3Region:        "us-east-1",
		S3Prefix:        "plugins",
		S3PresignTTL:    15 * time.Minute,
		RedisDB:         -1,
	}
}
