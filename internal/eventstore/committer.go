package eventstore

import (
	"context"
	"log"
	"sync"

	"github.com/ztmesh/ztmesh/internal/events"
)

// Applier folds a committed event into a derived view. The projection
// satisfies this.
type Applier interface {
	Apply(ev *events.Event) error
}

// Committer is the single write path: append to the store, fold into the
// projection, then fan out on the bus, all under one mutex. Serializing
// here keeps bus delivery in log order and makes append+apply atomic from
// the point of view of every reader.
type Committer struct {
	mu    sync.Mutex
	store Store
	apply Applier
	bus   events.Publisher
	log   *log.Logger
}

func NewCommitter(store Store, apply Applier, bus events.Publisher) *Committer {
	return &Committer{
		store: store,
		apply: apply,
		bus:   bus,
		log:   log.New(log.Writer(), "[COMMIT] ", log.LstdFlags),
	}
}

// Commit appends evs under expect, applies them, and publishes them. The
// returned events carry their assigned IDs, versions, and hashes.
func (c *Committer) Commit(ctx context.Context, expect Expectation, evs ...*events.Event) ([]*events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commit(ctx, expect, evs...)
}

// Locked runs fn while holding the commit lock. Engines that must read
// state and append based on it (IPAM picking a free address, registration
// checking hostname uniqueness) use this to close the check-then-append
// race; inside fn they append with CommitLocked.
func (c *Committer) Locked(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// CommitLocked is Commit for callers already inside Locked.
func (c *Committer) CommitLocked(ctx context.Context, expect Expectation, evs ...*events.Event) ([]*events.Event, error) {
	return c.commit(ctx, expect, evs...)
}

func (c *Committer) commit(ctx context.Context, expect Expectation, evs ...*events.Event) ([]*events.Event, error) {
	committed, err := c.store.Append(ctx, expect, evs...)
	if err != nil {
		return nil, err
	}
	for _, ev := range committed {
		if err := c.apply.Apply(ev); err != nil {
			// The log is the source of truth; a projection that cannot
			// fold a committed event is corrupt and must be rebuilt.
			c.log.Printf("❌ projection apply failed for %s (id=%d): %v", ev.Type, ev.ID, err)
			return nil, err
		}
	}
	if c.bus != nil {
		for _, ev := range committed {
			c.bus.Publish(ev)
		}
	}
	return committed, nil
}

// Store exposes the underlying log for read paths.
func (c *Committer) Store() Store { return c.store }
