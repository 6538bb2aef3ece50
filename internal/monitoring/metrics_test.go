package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/projection"
)

func TestRecordHelpers(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordHTTPRequest("/agent/sync", "POST", 200, 0.012)
	m.RecordHTTPRequest("/agent/sync", "POST", 304, 0.001)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/agent/sync", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/agent/sync", "POST", "304")))

	m.RecordSync(false)
	m.RecordSync(true)
	m.RecordSync(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncTotal.WithLabelValues("changed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncTotal.WithLabelValues("not_modified")))

	m.RecordWebhookDelivery("dead")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("dead")))

	m.RecordTrustEvaluation("n1", 62, "allow")
	m.RecordTrustEvaluation("n1", 45, "restrict")
	assert.Equal(t, 45.0, testutil.ToFloat64(m.TrustScore.WithLabelValues("n1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrustActions.WithLabelValues("restrict")))
}

func TestWatcherObserve(t *testing.T) {
	state := projection.NewState()
	store := eventstore.NewMemoryStore()
	committer := eventstore.NewCommitter(store, state, nil)
	alloc, err := ipam.New("10.10.0.0/24", 2, 99, 100, 250, 24*time.Hour, state)
	require.NoError(t, err)

	m := NewMetricsWith(prometheus.NewRegistry())
	w := &Watcher{metrics: m, state: state, alloc: alloc}

	ctx := context.Background()
	commit := func(ev *events.Event) {
		_, err := committer.Commit(ctx, eventstore.Any(), ev)
		require.NoError(t, err)
	}
	commit(events.MustNew(events.TypeNodeRegistered, events.AggregateNode, "n1", "agent", "", events.NodeRegistered{
		Hostname: "n1", Role: core.RoleApp, PublicKey: "pk-n1",
	}))
	commit(events.MustNew(events.TypeIPAllocated, events.AggregateIPAM, "10.10.0.2", "controller", "", events.IPAllocated{
		IP: "10.10.0.2", OwnerID: "n1", OwnerType: "node", Pool: "node",
	}))
	commit(events.MustNew(events.TypeNodeApproved, events.AggregateNode, "n1", "admin", "", events.NodeApproved{
		ApprovedBy: "admin", OverlayIP: "10.10.0.2",
	}))
	commit(events.MustNew(events.TypeTrustScoreChanged, events.AggregateNode, "n1", "trust-engine", "", events.TrustScoreChanged{
		Score: 56, Previous: 85, Risk: "high", Action: "restrict",
	}))

	evs, err := store.ReadFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	for _, ev := range evs {
		w.observe(ev)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsAppended.WithLabelValues("NodeRegistered")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.LastEventID))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Nodes.WithLabelValues("active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Nodes.WithLabelValues("pending")))

	// One of the 98 node addresses is leased.
	assert.Equal(t, 97.0, testutil.ToFloat64(m.PoolFree.WithLabelValues("node")))
	assert.Equal(t, 151.0, testutil.ToFloat64(m.PoolFree.WithLabelValues("client")))

	assert.Equal(t, 56.0, testutil.ToFloat64(m.TrustScore.WithLabelValues("n1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrustActions.WithLabelValues("restrict")))
}
