package eventstore

import (
	"context"
	"sync"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
)

// MemoryStore keeps the log in process memory. It is the default store when
// DATABASE_URL is unset and the backing cache the Postgres store loads into
// at startup, so reads never touch the database.
type MemoryStore struct {
	mu       sync.RWMutex
	log      []*events.Event
	versions map[string]int64            // aggregateType/aggregateID -> version
	requests map[string][]*events.Event  // aggregateID \x00 requestID -> events
	lastHash string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]int64),
		requests: make(map[string][]*events.Event),
	}
}

func aggKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

func reqKey(aggregateID, requestID string) string {
	return aggregateID + "\x00" + requestID
}

func (s *MemoryStore) Append(ctx context.Context, expect Expectation, evs ...*events.Event) ([]*events.Event, error) {
	if len(evs) == 0 {
		return nil, core.Errorf(core.KindInvalidArgument, "EMPTY_APPEND", "append requires at least one event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(expect, evs); err != nil {
		return nil, err
	}
	s.assign(evs)
	return evs, nil
}

// check validates the expectation and request-id uniqueness without
// mutating anything, so a failed append leaves the log untouched.
func (s *MemoryStore) check(expect Expectation, evs []*events.Event) error {
	if expect.Version != AnyVersion {
		cur := s.versions[aggKey(expect.AggregateType, expect.AggregateID)]
		if cur != expect.Version {
			return core.Errorf(core.KindConflict, "VERSION_CONFLICT",
				"%s %s is at version %d, expected %d",
				expect.AggregateType, expect.AggregateID, cur, expect.Version)
		}
	}
	for _, ev := range evs {
		if ev.RequestID == "" {
			continue
		}
		if _, dup := s.requests[reqKey(ev.AggregateID, ev.RequestID)]; dup {
			return core.Errorf(core.KindConflict, "DUPLICATE_REQUEST",
				"request %s was already applied to %s", ev.RequestID, ev.AggregateID)
		}
	}
	return nil
}

// assign hands out IDs, versions, and chain hashes. Must run under the
// write lock.
func (s *MemoryStore) assign(evs []*events.Event) {
	nextID := int64(len(s.log))
	for _, ev := range evs {
		nextID++
		ev.ID = nextID
		key := aggKey(ev.AggregateType, ev.AggregateID)
		s.versions[key]++
		ev.Version = s.versions[key]
		ev.Hash = ChainHash(s.lastHash, ev.Canonical())
		s.lastHash = ev.Hash
		s.log = append(s.log, ev)
		if ev.RequestID != "" {
			k := reqKey(ev.AggregateID, ev.RequestID)
			s.requests[k] = append(s.requests[k], ev)
		}
	}
}

// undo removes the most recently assigned batch, restoring the version,
// request, and chain-head indexes. The Postgres store calls it when the
// durable write fails after in-memory assignment; evs must be the exact
// tail of the log.
func (s *MemoryStore) undo(evs []*events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		s.log = s.log[:len(s.log)-1]
		key := aggKey(ev.AggregateType, ev.AggregateID)
		if s.versions[key]--; s.versions[key] <= 0 {
			delete(s.versions, key)
		}
		if ev.RequestID != "" {
			k := reqKey(ev.AggregateID, ev.RequestID)
			if q := s.requests[k]; len(q) <= 1 {
				delete(s.requests, k)
			} else {
				s.requests[k] = q[:len(q)-1]
			}
		}
	}
	if n := len(s.log); n > 0 {
		s.lastHash = s.log[n-1].Hash
	} else {
		s.lastHash = ""
	}
}

func (s *MemoryStore) ReadFrom(ctx context.Context, afterID int64, limit int) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterID < 0 {
		afterID = 0
	}
	if afterID >= int64(len(s.log)) {
		return nil, nil
	}
	// IDs are gapless and 1-based, so the slice offset is the ID itself.
	tail := s.log[afterID:]
	if limit > 0 && limit < len(tail) {
		tail = tail[:limit]
	}
	out := make([]*events.Event, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *MemoryStore) ReadAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*events.Event
	for _, ev := range s.log {
		if ev.AggregateType == aggregateType && ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) ByRequestID(ctx context.Context, aggregateID, requestID string) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.requests[reqKey(aggregateID, requestID)]
	if len(evs) == 0 {
		return nil, nil
	}
	out := make([]*events.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemoryStore) AggregateVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[aggKey(aggregateType, aggregateID)], nil
}

func (s *MemoryStore) LastID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.log)), nil
}

// Seed loads already-assigned events (from a database replay) into the
// store, rebuilding the version and request indexes. It trusts the input
// and must only be called before the store is serving traffic.
func (s *MemoryStore) Seed(evs []*events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range evs {
		if ev.ID != int64(len(s.log))+1 {
			return core.Errorf(core.KindInvariant, "LOG_GAP",
				"event %s has id %d, expected %d", ev.EventID, ev.ID, len(s.log)+1)
		}
		s.log = append(s.log, ev)
		key := aggKey(ev.AggregateType, ev.AggregateID)
		s.versions[key] = ev.Version
		s.lastHash = ev.Hash
		if ev.RequestID != "" {
			k := reqKey(ev.AggregateID, ev.RequestID)
			s.requests[k] = append(s.requests[k], ev)
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
