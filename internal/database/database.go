// Package database owns the Postgres connection and the forward-only
// schema migrations. The event log is the source of truth; the tables here
// exist to make it durable and give operators a psql-queryable view.
package database

import (
	"context"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ztmesh/ztmesh/internal/core"
)

var dbLog = log.New(log.Writer(), "[DATABASE] ", log.LstdFlags)

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "DB_OPEN", err, "open postgres")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindTransient, "DB_PING", err, "ping postgres")
	}
	return db, nil
}

// Migrate applies every migration past the recorded schema version, in
// order, each in its own transaction. It returns the version span so the
// caller can append a SchemaMigrated event when the span is non-empty.
func Migrate(ctx context.Context, db *sql.DB) (from, to int, err error) {
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return 0, 0, core.Wrap(core.KindTransient, "DB_MIGRATE", err, "create schema_migrations")
	}

	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&from); err != nil {
		return 0, 0, core.Wrap(core.KindTransient, "DB_MIGRATE", err, "read schema version")
	}

	to = from
	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return from, to, err
		}
		to = m.version
		dbLog.Printf("✅ Applied migration %d: %s", m.version, m.name)
	}
	return from, to, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindTransient, "DB_MIGRATE", err, "begin migration %d", m.version)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return core.Wrap(core.KindTransient, "DB_MIGRATE", err, "apply migration %d (%s)", m.version, m.name)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`,
		m.version, m.name, time.Now().UTC()); err != nil {
		tx.Rollback()
		return core.Wrap(core.KindTransient, "DB_MIGRATE", err, "record migration %d", m.version)
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindTransient, "DB_MIGRATE", err, "commit migration %d", m.version)
	}
	return nil
}
