package eventstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
)

func registered(t *testing.T, nodeID, reqID string) *events.Event {
	t.Helper()
	ev, err := events.New(events.TypeNodeRegistered, events.AggregateNode, nodeID, "agent", reqID,
		events.NodeRegistered{Hostname: nodeID, Role: core.RoleApp, PublicKey: "pk-" + nodeID})
	require.NoError(t, err)
	return ev
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		node := fmt.Sprintf("node-%d", i)
		evs, err := s.Append(ctx, Expect(events.AggregateNode, node, 0), registered(t, node, ""))
		require.NoError(t, err)
		assert.Equal(t, int64(i), evs[0].ID)
		assert.Equal(t, int64(1), evs[0].Version)
		assert.NotEmpty(t, evs[0].Hash)
	}

	last, err := s.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)

	all, err := s.ReadFrom(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.ID, "ids are gapless")
	}
}

func TestAppendVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 0), registered(t, "node-1", ""))
	require.NoError(t, err)

	// stale expectation
	_, err = s.Append(ctx, Expect(events.AggregateNode, "node-1", 0), registered(t, "node-1", ""))
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	assert.Equal(t, "VERSION_CONFLICT", core.CodeOf(err))

	// correct expectation advances the aggregate
	approved := events.MustNew(events.TypeNodeApproved, events.AggregateNode, "node-1", "admin", "",
		events.NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"})
	evs, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 1), approved)
	require.NoError(t, err)
	assert.Equal(t, int64(2), evs[0].Version)

	v, err := s.AggregateVersion(ctx, events.AggregateNode, "node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestAppendIdempotencyGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := registered(t, "node-1", "req-abc")
	_, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 0), first)
	require.NoError(t, err)

	dup := registered(t, "node-1", "req-abc")
	_, err = s.Append(ctx, Any(), dup)
	require.Error(t, err)
	assert.Equal(t, "DUPLICATE_REQUEST", core.CodeOf(err))

	// the original events are retrievable for response replay
	prior, err := s.ByRequestID(ctx, "node-1", "req-abc")
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.Equal(t, first.EventID, prior[0].EventID)

	// same request id on a different aggregate is independent
	_, err = s.Append(ctx, Expect(events.AggregateNode, "node-2", 0), registered(t, "node-2", "req-abc"))
	assert.NoError(t, err)
}

func TestAppendFailureLeavesLogUntouched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 0), registered(t, "node-1", "req-1"))
	require.NoError(t, err)

	// multi-event append where the second event violates idempotency
	good := events.MustNew(events.TypeNodeApproved, events.AggregateNode, "node-1", "admin", "",
		events.NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"})
	bad := registered(t, "node-1", "req-1")
	_, err = s.Append(ctx, Expect(events.AggregateNode, "node-1", 1), good, bad)
	require.Error(t, err)

	last, err := s.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last, "failed append must not grow the log")
	v, _ := s.AggregateVersion(ctx, events.AggregateNode, "node-1")
	assert.Equal(t, int64(1), v)
}

func TestMultiAggregateAppend(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 0), registered(t, "node-1", ""))
	require.NoError(t, err)

	approve := events.MustNew(events.TypeNodeApproved, events.AggregateNode, "node-1", "admin", "",
		events.NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"})
	lease := events.MustNew(events.TypeIPAllocated, events.AggregateIPAM, "10.10.0.2", "admin", "",
		events.IPAllocated{IP: "10.10.0.2", OwnerID: "node-1", OwnerType: "node", Pool: "node"})

	evs, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 1), approve, lease)
	require.NoError(t, err)
	assert.Equal(t, int64(2), evs[0].Version, "node aggregate advances")
	assert.Equal(t, int64(1), evs[1].Version, "ipam aggregate starts fresh")
	assert.Equal(t, evs[0].ID+1, evs[1].ID)

	stream, err := s.ReadAggregate(ctx, events.AggregateIPAM, "10.10.0.2")
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.Equal(t, events.TypeIPAllocated, stream[0].Type)
}

func TestReadFromPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		node := fmt.Sprintf("n%d", i)
		_, err := s.Append(ctx, Any(), registered(t, node, ""))
		require.NoError(t, err)
	}

	page, err := s.ReadFrom(ctx, 4, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(5), page[0].ID)
	assert.Equal(t, int64(7), page[2].ID)

	empty, err := s.ReadFrom(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConcurrentAppendsKeepInvariants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node := fmt.Sprintf("node-%d", i)
			_, err := s.Append(ctx, Expect(events.AggregateNode, node, 0), registered(t, node, ""))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := s.ReadFrom(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, n)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.ID)
	}
	require.NoError(t, VerifyChain(all))
}

func TestUndoRestoresEveryIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 0), registered(t, "node-1", "req-1"))
	require.NoError(t, err)
	before, err := s.ReadFrom(ctx, 0, 0)
	require.NoError(t, err)

	// A batch touching two aggregates with a request id, then unwound as the
	// Postgres store does after a failed transaction.
	approve := events.MustNew(events.TypeNodeApproved, events.AggregateNode, "node-1", "admin", "req-2",
		events.NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"})
	lease := events.MustNew(events.TypeIPAllocated, events.AggregateIPAM, "10.10.0.2", "admin", "",
		events.IPAllocated{IP: "10.10.0.2", OwnerID: "node-1", OwnerType: "node", Pool: "node"})
	batch, err := s.Append(ctx, Expect(events.AggregateNode, "node-1", 1), approve, lease)
	require.NoError(t, err)

	s.undo(batch)

	last, _ := s.LastID(ctx)
	assert.Equal(t, int64(1), last)
	v, _ := s.AggregateVersion(ctx, events.AggregateNode, "node-1")
	assert.Equal(t, int64(1), v)
	v, _ = s.AggregateVersion(ctx, events.AggregateIPAM, "10.10.0.2")
	assert.Equal(t, int64(0), v)
	prior, _ := s.ByRequestID(ctx, "node-1", "req-2")
	assert.Empty(t, prior, "undo releases the request id")

	// The chain head is restored: the same batch re-appends cleanly and the
	// whole log still verifies.
	reapprove := events.MustNew(events.TypeNodeApproved, events.AggregateNode, "node-1", "admin", "req-2",
		events.NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"})
	_, err = s.Append(ctx, Expect(events.AggregateNode, "node-1", 1), reapprove)
	require.NoError(t, err)
	after, err := s.ReadFrom(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, before[0].Hash, after[0].Hash)
	require.NoError(t, VerifyChain(after))
}

func TestSeedRebuildsIndexes(t *testing.T) {
	src := NewMemoryStore()
	ctx := context.Background()
	_, err := src.Append(ctx, Any(), registered(t, "node-1", "req-1"))
	require.NoError(t, err)
	approve := events.MustNew(events.TypeNodeApproved, events.AggregateNode, "node-1", "admin", "",
		events.NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"})
	_, err = src.Append(ctx, Any(), approve)
	require.NoError(t, err)

	all, err := src.ReadFrom(ctx, 0, 0)
	require.NoError(t, err)

	dst := NewMemoryStore()
	require.NoError(t, dst.Seed(all))

	v, _ := dst.AggregateVersion(ctx, events.AggregateNode, "node-1")
	assert.Equal(t, int64(2), v)
	prior, _ := dst.ByRequestID(ctx, "node-1", "req-1")
	assert.Len(t, prior, 1)

	// appending continues the chain seamlessly
	_, err = dst.Append(ctx, Expect(events.AggregateNode, "node-1", 2),
		events.MustNew(events.TypeNodeSuspended, events.AggregateNode, "node-1", "admin", "",
			events.NodeSuspended{By: "admin"}))
	require.NoError(t, err)
	grown, _ := dst.ReadFrom(ctx, 0, 0)
	require.NoError(t, VerifyChain(grown))
}
