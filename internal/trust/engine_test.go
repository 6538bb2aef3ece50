package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/projection"
)

type rig struct {
	state     *projection.State
	store     *eventstore.MemoryStore
	committer *eventstore.Committer
	engine    *Engine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	state := projection.NewState()
	store := eventstore.NewMemoryStore()
	committer := eventstore.NewCommitter(store, state, nil)
	return &rig{
		state:     state,
		store:     store,
		committer: committer,
		engine:    NewEngine(state, committer, Config{}),
	}
}

func (r *rig) seedActiveNode(t *testing.T, id string, role core.Role) core.Node {
	t.Helper()
	ctx := context.Background()
	_, err := r.committer.Commit(ctx, eventstore.Expect(events.AggregateNode, id, 0),
		events.MustNew(events.TypeNodeRegistered, events.AggregateNode, id, "agent", "", events.NodeRegistered{
			Hostname:  id,
			Role:      role,
			PublicKey: "pk-" + id,
		}),
		events.MustNew(events.TypeNodeApproved, events.AggregateNode, id, "admin", "", events.NodeApproved{
			ApprovedBy: "admin",
			OverlayIP:  "10.10.0.2",
		}),
	)
	require.NoError(t, err)
	node, ok := r.state.NodeByID(id)
	require.True(t, ok)
	return node
}

func TestRoleWeightOrdering(t *testing.T) {
	order := []core.Role{core.RoleOps, core.RoleHub, core.RoleDB, core.RoleApp, core.RoleGateway, core.RoleMonitor, core.RoleClient}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, RoleWeight(order[i-1]), RoleWeight(order[i]),
			"%s must outrank %s", order[i-1], order[i])
	}
	assert.Equal(t, 50, RoleWeight(core.Role("mystery")))
}

func TestRiskBuckets(t *testing.T) {
	cases := []struct {
		score  int
		risk   string
		action string
	}{
		{100, RiskLow, ActionAllow},
		{80, RiskLow, ActionAllow},
		{79, RiskMedium, ActionAllow},
		{60, RiskMedium, ActionAllow},
		{59, RiskHigh, ActionRestrict},
		{40, RiskHigh, ActionRestrict},
		{39, RiskCritical, ActionIsolate},
		{0, RiskCritical, ActionIsolate},
	}
	for _, tc := range cases {
		risk := RiskFor(tc.score)
		assert.Equal(t, tc.risk, risk, "score %d", tc.score)
		assert.Equal(t, tc.action, ActionFor(risk), "score %d", tc.score)
	}
}

func TestDeviceHealthPenalties(t *testing.T) {
	e := NewEngine(projection.NewState(), nil, Config{})

	cases := []struct {
		name   string
		vitals core.Vitals
		want   int
	}{
		{"pristine", core.Vitals{CPUPercent: 10, MemPercent: 20, DiskPercent: 30}, 100},
		{"busy cpu", core.Vitals{CPUPercent: 72}, 90},
		{"hot cpu", core.Vitals{CPUPercent: 90}, 80},
		{"pegged cpu", core.Vitals{CPUPercent: 99}, 60},
		{"memory pressure", core.Vitals{MemPercent: 90}, 85},
		{"oom territory", core.Vitals{MemPercent: 97}, 70},
		{"disk almost full", core.Vitals{DiskPercent: 96}, 75},
		{"stale patches", core.Vitals{PatchAgeDays: 120}, 85},
		{"suspicious process", core.Vitals{SuspiciousProcesses: []string{"xmrig"}}, 50},
		{"everything wrong", core.Vitals{
			CPUPercent: 99, MemPercent: 97, DiskPercent: 96,
			SuspiciousProcesses: []string{"xmrig"}, PatchAgeDays: 200,
		}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.deviceHealth(tc.vitals, true))
		})
	}

	assert.Equal(t, 100, e.deviceHealth(core.Vitals{}, false), "no vitals yet scores neutral")
}

func TestBehaviorPenalties(t *testing.T) {
	e := NewEngine(projection.NewState(), nil, Config{HeartbeatSLA: 5 * time.Minute})
	now := time.Now().UTC()

	fresh := projection.Liveness{At: now.Add(-time.Minute)}
	assert.Equal(t, 100, e.behavior(fresh, true, now))

	stale := projection.Liveness{At: now.Add(-10 * time.Minute)}
	assert.Equal(t, 80, e.behavior(stale, true, now))

	noisy := projection.Liveness{
		At:     now.Add(-time.Minute),
		Vitals: core.Vitals{OpenConns: 600, TimeWaitConns: 150, HandshakeLatencyMs: 900},
	}
	assert.Equal(t, 40, e.behavior(noisy, true, now))

	assert.Equal(t, 100, e.behavior(projection.Liveness{}, false, now), "never seen scores neutral")
}

func TestSecurityWindow(t *testing.T) {
	e := NewEngine(projection.NewState(), nil, Config{Window: time.Hour})
	now := time.Now().UTC()

	assert.Equal(t, 100, e.securityScore("n1", now), "empty window")

	// Failed logins under the threshold are tolerated.
	e.RecordReports("n1", []core.SecurityReport{{Kind: core.ReportSSHFailedLogins, Count: 3}})
	assert.Equal(t, 100, e.securityScore("n1", now))

	// Over the threshold, the penalty lands once.
	e.RecordReports("n1", []core.SecurityReport{{Kind: core.ReportSSHFailedLogins, Count: 4}})
	assert.Equal(t, 85, e.securityScore("n1", now))

	e.RecordReports("n1", []core.SecurityReport{
		{Kind: core.ReportSSHBruteForce, Count: 1},
		{Kind: core.ReportPortScan, Count: 2},
	})
	assert.Equal(t, 15, e.securityScore("n1", now))

	// Floors at zero.
	e.RecordReports("n1", []core.SecurityReport{{Kind: core.ReportSuspiciousProcess, Count: 1}})
	assert.Equal(t, 0, e.securityScore("n1", now))

	// Unknown kinds are ignored.
	e.RecordReports("n2", []core.SecurityReport{{Kind: "cosmic_rays", Count: 9}})
	assert.Equal(t, 100, e.securityScore("n2", now))

	// Reports age out of the window.
	old := now.Add(-2 * time.Hour)
	e.RecordReports("n3", []core.SecurityReport{{Kind: core.ReportPortScan, At: old}})
	assert.Equal(t, 100, e.securityScore("n3", now))
	assert.Empty(t, e.Reports("n3"))
}

func TestEvaluateEmitsAndSuppresses(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	node := r.seedActiveNode(t, "node-a", core.RoleOps)
	r.state.RecordHeartbeat(node.ID, time.Now().UTC(), core.Vitals{CPUPercent: 10})

	snap, err := r.engine.Evaluate(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Score)
	assert.Equal(t, RiskLow, snap.Risk)
	assert.Equal(t, ActionAllow, snap.Action)

	after, _ := r.state.NodeByID(node.ID)
	assert.Equal(t, 100, after.TrustScore)
	assert.Equal(t, ActionAllow, after.TrustAction)

	first, err := r.store.LastID(ctx)
	require.NoError(t, err)

	// Same inputs, same score: no new event.
	snap2, err := r.engine.Evaluate(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Score, snap2.Score)

	second, err := r.store.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical score must not append")

	// History carries exactly one row.
	hist := r.state.TrustHistory(node.ID, 10)
	require.Len(t, hist, 1)
	assert.Equal(t, 100, hist[0].Score)
	assert.Equal(t, map[string]int{
		"role_weight":     100,
		"device_health":   100,
		"behavior":        100,
		"security_events": 100,
	}, hist[0].Inputs)
}

func TestEvaluateFirstScoreAlwaysEmits(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	node := r.seedActiveNode(t, "node-z", core.RoleClient)

	before, err := r.store.LastID(ctx)
	require.NoError(t, err)

	// Fresh node, no heartbeat: 0.30*50 + 0.25*100 + 0.25*100 + 0.20*100 = 85.
	snap, err := r.engine.Evaluate(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 85, snap.Score)

	after, err := r.store.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after, "first evaluation must always append")
}

func TestEvaluateRestrictsHighRisk(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	node := r.seedActiveNode(t, "node-b", core.RoleClient)
	r.state.RecordHeartbeat(node.ID, time.Now().UTC(), core.Vitals{CPUPercent: 90, PatchAgeDays: 100})
	r.engine.RecordReports(node.ID, []core.SecurityReport{
		{Kind: core.ReportSSHBruteForce, Count: 1},
		{Kind: core.ReportPortScan, Count: 1},
		{Kind: core.ReportHandshakeFailures, Count: 1},
		{Kind: core.ReportBlockedConnections, Count: 1},
	})

	// role 50 → 15, device 65 → 16.25, behavior 100 → 25, security 0: 56 → high.

	snap, err := r.engine.Evaluate(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 56, snap.Score)
	assert.Equal(t, RiskHigh, snap.Risk)
	assert.Equal(t, ActionRestrict, snap.Action)

	after, _ := r.state.NodeByID(node.ID)
	assert.Equal(t, core.StatusActive, after.Status, "restrict must not suspend")
	assert.Equal(t, ActionRestrict, after.TrustAction)
}

func TestEvaluateIsolatesCritical(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	node := r.seedActiveNode(t, "node-c", core.RoleClient)
	r.state.RecordHeartbeat(node.ID, time.Now().UTC(), core.Vitals{
		CPUPercent:          99,
		OpenConns:           600,
		TimeWaitConns:       150,
		SuspiciousProcesses: []string{"xmrig"},
	})
	r.engine.RecordReports(node.ID, []core.SecurityReport{
		{Kind: core.ReportSSHBruteForce, Count: 1},
		{Kind: core.ReportPortScan, Count: 1},
		{Kind: core.ReportSuspiciousProcess, Count: 1},
	})

	// role 50 → 15, device 10 → 2.5, behavior 50 → 12.5, security 0 → 0: total 30.
	snap, err := r.engine.Evaluate(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, snap.Score)
	assert.Equal(t, RiskCritical, snap.Risk)
	assert.Equal(t, ActionIsolate, snap.Action)

	after, _ := r.state.NodeByID(node.ID)
	assert.Equal(t, core.StatusSuspended, after.Status, "critical must force suspended")
	assert.Equal(t, ActionIsolate, after.TrustAction)

	// Both events landed in one commit: TrustScoreChanged then NodeSuspended.
	evs, err := r.store.ReadAggregate(ctx, events.AggregateNode, node.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(evs), 2)
	last := evs[len(evs)-1]
	prev := evs[len(evs)-2]
	assert.Equal(t, events.TypeTrustScoreChanged, prev.Type)
	assert.Equal(t, events.TypeNodeSuspended, last.Type)
	assert.Equal(t, Actor, last.Actor)
}

func TestEvaluateRevokedNodeConflicts(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	node := r.seedActiveNode(t, "node-d", core.RoleApp)
	_, err := r.committer.Commit(ctx, eventstore.Expect(events.AggregateNode, node.ID, 2),
		events.MustNew(events.TypeNodeRevoked, events.AggregateNode, node.ID, "admin", "", events.NodeRevoked{
			Reason: "gone", By: "admin", PublicKey: node.PublicKey,
		}))
	require.NoError(t, err)

	_, err = r.engine.Evaluate(ctx, node.ID)
	assert.True(t, core.IsKind(err, core.KindConflict))

	_, err = r.engine.Evaluate(ctx, "no-such-node")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestSchedulerSweep(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.seedActiveNode(t, "node-1", core.RoleOps)
	r.seedActiveNode(t, "node-2", core.RoleClient)

	s := NewScheduler(r.engine, r.state, time.Hour)
	defer s.Stop()

	// First sweep scores both from zero.
	assert.Equal(t, 2, s.Sweep(ctx))

	// Nothing moved since: suppressed, nothing counted.
	assert.Equal(t, 0, s.Sweep(ctx))

	// A new security report moves one node.
	r.engine.RecordReports("node-2", []core.SecurityReport{{Kind: core.ReportPortScan, Count: 1}})
	assert.Equal(t, 1, s.Sweep(ctx))
}
