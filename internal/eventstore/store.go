// Package eventstore persists the append-only event log that every other
// state in the system is derived from. The log is the source of truth:
// projections, IPAM state, and compiled plans are all rebuilt from it.
package eventstore

import (
	"context"

	"github.com/ztmesh/ztmesh/internal/events"
)

// AnyVersion skips the optimistic concurrency check on append.
const AnyVersion int64 = -1

// Expectation pins the append to a specific aggregate version. Version 0
// asserts the aggregate does not exist yet.
type Expectation struct {
	AggregateType string
	AggregateID   string
	Version       int64
}

// Expect builds a version expectation for an aggregate.
func Expect(aggregateType, aggregateID string, version int64) Expectation {
	return Expectation{AggregateType: aggregateType, AggregateID: aggregateID, Version: version}
}

// Any returns an expectation that always passes.
func Any() Expectation { return Expectation{Version: AnyVersion} }

// Store is the append-only log. Implementations assign the global ID, the
// per-aggregate version, and the chain hash under a single writer lock, so
// IDs are gapless and versions never fork.
type Store interface {
	// Append atomically adds evs to the log. It fails with a Conflict error
	// when the expectation does not hold (VERSION_CONFLICT) or when an
	// event reuses a (aggregate_id, client_request_id) pair
	// (DUPLICATE_REQUEST). On success the input events are returned with
	// ID, Version, and Hash populated.
	Append(ctx context.Context, expect Expectation, evs ...*events.Event) ([]*events.Event, error)

	// ReadFrom returns up to limit events with ID > afterID in ID order.
	// limit <= 0 means no limit.
	ReadFrom(ctx context.Context, afterID int64, limit int) ([]*events.Event, error)

	// ReadAggregate returns the full stream of one aggregate in ID order.
	ReadAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*events.Event, error)

	// ByRequestID returns the events previously appended for an
	// (aggregate_id, client_request_id) pair, or nil when unseen. Callers
	// use it to replay idempotent responses.
	ByRequestID(ctx context.Context, aggregateID, requestID string) ([]*events.Event, error)

	// AggregateVersion returns the current version, 0 when absent.
	AggregateVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error)

	// LastID returns the highest assigned event ID, 0 when empty.
	LastID(ctx context.Context) (int64, error)
}
