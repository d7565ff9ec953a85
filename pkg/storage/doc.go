// Package storage provides the persistence plumbing shared by the plugin runtime.
//
// # Overview
//
// The runtime keeps installed-plugin records and permission rows in SQL
// (PostgreSQL in production, SQLite for single-node installs), stores built
// plugin packages in an S3-compatible bucket, and uses Redis to relay
// lifecycle events between host instances.
//
// # Database
//
//	db, err := storage.OpenDB(ctx, cfg)
//	err = storage.Migrate(ctx, db, cfg.Driver, "lifecycle_migrations", lifecycle.Migrations(), logger)
//
// Migrations carry a PostgreSQL statement and, when the dialect differs, a
// SQLite statement. Queries use $N placeholders, which both drivers accept.
//
// # Object storage
//
//	store, err := storage.NewS3Store(ctx, cfg)
//	url, err := store.Put(ctx, store.Key(developerID, slug, version, name), f, size, "application/gzip", meta)
//	rc, err := store.Open(ctx, "s3://bucket/plugins/dev/slug/1.0.0/slug-1.0.0.tar.gz")
//
// # Redis
//
//	client, err := storage.NewRedisClient(ctx, cfg)
package storage
