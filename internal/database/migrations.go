package database

// Migrations are forward-only. Never edit an entry that has shipped; add a
// new version instead.
type migration struct {
	version    int
	name       string
	statements []string
}

const createMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL
)`

var migrations = []migration{
	{
		version: 1,
		name:    "event log",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
    id                BIGINT PRIMARY KEY,
    event_id          TEXT NOT NULL UNIQUE,
    event_type        TEXT NOT NULL,
    aggregate_type    TEXT NOT NULL,
    aggregate_id      TEXT NOT NULL,
    aggregate_version BIGINT NOT NULL,
    actor             TEXT NOT NULL DEFAULT '',
    request_id        TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL,
    payload           TEXT NOT NULL,
    hash              TEXT NOT NULL,
    UNIQUE (aggregate_type, aggregate_id, aggregate_version)
)`,
			`CREATE INDEX IF NOT EXISTS events_aggregate_idx
    ON events (aggregate_type, aggregate_id, id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS events_request_idx
    ON events (aggregate_id, request_id) WHERE request_id <> ''`,
		},
	},
	{
		version: 2,
		name:    "aggregate write-through",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS aggregates (
    aggregate_type  TEXT NOT NULL,
    aggregate_id    TEXT NOT NULL,
    version         BIGINT NOT NULL,
    last_event_type TEXT NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (aggregate_type, aggregate_id)
)`,
		},
	},
}

// SchemaVersion is the version a fully migrated database reports.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}
