package eventstore

import (
	"context"
	"database/sql"
	"log"
	"sync"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
)

// PostgresStore persists the log in Postgres and serves every read from an
// in-process MemoryStore it seeds at startup. Appends write the database
// first-class: one transaction covers the event rows and the write-through
// aggregate row, and only a committed transaction reaches the cache's
// durable position.
type PostgresStore struct {
	mu    sync.Mutex
	db    *sql.DB
	cache *MemoryStore
	log   *log.Logger
}

// NewPostgresStore loads the full log, verifies the hash chain, and seeds
// the read cache. A chain mismatch is fatal to the caller: serving from a
// tampered or torn log is worse than not starting.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{
		db:    db,
		cache: NewMemoryStore(),
		log:   log.New(log.Writer(), "[PGSTORE] ", log.LstdFlags),
	}
	evs, err := LoadLog(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(evs); err != nil {
		return nil, err
	}
	if err := s.cache.Seed(evs); err != nil {
		return nil, err
	}
	s.log.Printf("✅ Loaded %d events, chain verified", len(evs))
	return s, nil
}

const selectEventsSQL = `
SELECT id, event_id, event_type, aggregate_type, aggregate_id,
       aggregate_version, actor, request_id, created_at, payload, hash
FROM events ORDER BY id`

// LoadLog reads the whole persisted log in id order without verifying it.
// Besides feeding NewPostgresStore, it lets a caller facing a CHAIN_BROKEN
// start dump the raw rows for offline inspection.
func LoadLog(ctx context.Context, db *sql.DB) ([]*events.Event, error) {
	rows, err := db.QueryContext(ctx, selectEventsSQL)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "STORE_READ", err, "load event log")
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var ev events.Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.AggregateType, &ev.AggregateID,
			&ev.Version, &ev.Actor, &ev.RequestID, &ev.Time, &payload, &ev.Hash); err != nil {
			return nil, core.Wrap(core.KindTransient, "STORE_READ", err, "scan event row")
		}
		ev.Data = []byte(payload)
		ev.Time = ev.Time.UTC()
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindTransient, "STORE_READ", err, "iterate event rows")
	}
	return out, nil
}

// Append assigns IDs in the cache, then persists the batch. A failed
// transaction rolls the cache assignment back, so a 5xx to the caller
// leaves no phantom state behind.
func (s *PostgresStore) Append(ctx context.Context, expect Expectation, evs ...*events.Event) ([]*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	committed, err := s.cache.Append(ctx, expect, evs...)
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, committed); err != nil {
		s.cache.undo(committed)
		s.log.Printf("❌ Append of %d events failed, rolled back: %v", len(committed), err)
		return nil, core.Wrap(core.KindTransient, "STORE_WRITE", err, "persist events")
	}
	return committed, nil
}

const insertEventSQL = `
INSERT INTO events (id, event_id, event_type, aggregate_type, aggregate_id,
                    aggregate_version, actor, request_id, created_at, payload, hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const upsertAggregateSQL = `
INSERT INTO aggregates (aggregate_type, aggregate_id, version, last_event_type, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (aggregate_type, aggregate_id)
DO UPDATE SET version = EXCLUDED.version,
              last_event_type = EXCLUDED.last_event_type,
              updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) insert(ctx context.Context, evs []*events.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if _, err := tx.ExecContext(ctx, insertEventSQL,
			ev.ID, ev.EventID, string(ev.Type), ev.AggregateType, ev.AggregateID,
			ev.Version, ev.Actor, ev.RequestID, ev.Time, string(ev.Data), ev.Hash); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertAggregateSQL,
			ev.AggregateType, ev.AggregateID, ev.Version, string(ev.Type), ev.Time); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ReadFrom(ctx context.Context, afterID int64, limit int) ([]*events.Event, error) {
	return s.cache.ReadFrom(ctx, afterID, limit)
}

func (s *PostgresStore) ReadAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*events.Event, error) {
	return s.cache.ReadAggregate(ctx, aggregateType, aggregateID)
}

func (s *PostgresStore) ByRequestID(ctx context.Context, aggregateID, requestID string) ([]*events.Event, error) {
	return s.cache.ByRequestID(ctx, aggregateID, requestID)
}

func (s *PostgresStore) AggregateVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	return s.cache.AggregateVersion(ctx, aggregateType, aggregateID)
}

func (s *PostgresStore) LastID(ctx context.Context) (int64, error) {
	return s.cache.LastID(ctx)
}

var _ Store = (*PostgresStore)(nil)
