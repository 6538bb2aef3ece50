package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
)

// evt builds a committed-looking event with explicit id/version.
func evt(t *testing.T, id, version int64, typ events.Type, aggType, aggID string, payload interface{}) *events.Event {
	t.Helper()
	ev, err := events.New(typ, aggType, aggID, "test", "", payload)
	require.NoError(t, err)
	ev.ID = id
	ev.Version = version
	return ev
}

func nodeLifecycleLog(t *testing.T) []*events.Event {
	t.Helper()
	return []*events.Event{
		evt(t, 1, 1, events.TypeNodeRegistered, events.AggregateNode, "n1",
			events.NodeRegistered{Hostname: "web-01", Role: core.RoleApp, PublicKey: "pk1", RealIP: "203.0.113.7"}),
		evt(t, 2, 2, events.TypeNodeApproved, events.AggregateNode, "n1",
			events.NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"}),
		evt(t, 3, 1, events.TypeIPAllocated, events.AggregateIPAM, "10.10.0.2",
			events.IPAllocated{IP: "10.10.0.2", OwnerID: "n1", OwnerType: "node", Pool: "node"}),
	}
}

func TestNodeLifecycleFold(t *testing.T) {
	s, err := Replay(nodeLifecycleLog(t))
	require.NoError(t, err)

	n, ok := s.NodeByID("n1")
	require.True(t, ok)
	assert.Equal(t, core.StatusActive, n.Status)
	assert.Equal(t, "10.10.0.2", n.OverlayIP)
	assert.Equal(t, "admin", n.ApprovedBy)
	assert.Equal(t, int64(2), n.Version)

	byHost, ok := s.NodeByHostname("web-01")
	require.True(t, ok)
	assert.Equal(t, "n1", byHost.ID)
	byKey, ok := s.NodeByPublicKey("pk1")
	require.True(t, ok)
	assert.Equal(t, "n1", byKey.ID)

	lease, ok := s.LeaseByIP("10.10.0.2")
	require.True(t, ok)
	assert.Equal(t, "n1", lease.Owner.ID)
	assert.Equal(t, "node", lease.Pool)
	ownerLease, ok := s.LeaseByOwner("n1")
	require.True(t, ok)
	assert.Equal(t, "10.10.0.2", ownerLease.IP)

	assert.Equal(t, int64(3), s.LastAppliedID())
}

func TestRevokeBlacklistsKeyAndReleasesIP(t *testing.T) {
	log := nodeLifecycleLog(t)
	until := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Microsecond)
	log = append(log,
		evt(t, 4, 3, events.TypeNodeRevoked, events.AggregateNode, "n1",
			events.NodeRevoked{By: "admin", Reason: "compromised", PublicKey: "pk1"}),
		evt(t, 5, 2, events.TypeIPReleased, events.AggregateIPAM, "10.10.0.2",
			events.IPReleased{IP: "10.10.0.2", OwnerID: "n1", CoolDownUntil: until}),
	)
	s, err := Replay(log)
	require.NoError(t, err)

	n, _ := s.NodeByID("n1")
	assert.Equal(t, core.StatusRevoked, n.Status)
	assert.Empty(t, n.OverlayIP)
	assert.True(t, s.KeyBlacklisted("pk1"))

	_, leased := s.LeaseByIP("10.10.0.2")
	assert.False(t, leased)
	got, ok := s.CooldownUntil("10.10.0.2")
	require.True(t, ok)
	assert.Equal(t, until, got)
	assert.True(t, s.IPUnavailable("10.10.0.2", time.Now()))
	assert.False(t, s.IPUnavailable("10.10.0.2", until.Add(time.Minute)))
}

func TestIllegalTransitionInLogFailsApply(t *testing.T) {
	log := []*events.Event{
		evt(t, 1, 1, events.TypeNodeRegistered, events.AggregateNode, "n1",
			events.NodeRegistered{Hostname: "a", Role: core.RoleApp, PublicKey: "pk"}),
		// suspend straight from pending is illegal
		evt(t, 2, 2, events.TypeNodeSuspended, events.AggregateNode, "n1",
			events.NodeSuspended{By: "admin"}),
	}
	_, err := Replay(log)
	require.Error(t, err)
	assert.Equal(t, core.KindInvariant, core.KindOf(err))
}

func TestKeyRotationFold(t *testing.T) {
	log := nodeLifecycleLog(t)
	deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	log = append(log,
		evt(t, 4, 3, events.TypeNodeKeyRotationRequested, events.AggregateNode, "n1",
			events.NodeKeyRotationRequested{Deadline: deadline, By: "admin"}),
		evt(t, 5, 4, events.TypeNodeKeyRotated, events.AggregateNode, "n1",
			events.NodeKeyRotated{OldKey: "pk1", NewKey: "pk2"}),
	)
	s, err := Replay(log)
	require.NoError(t, err)

	n, _ := s.NodeByID("n1")
	assert.Equal(t, "pk2", n.PublicKey)
	assert.True(t, n.RotateKeyBy.IsZero(), "rotation request cleared")
	assert.True(t, s.KeyBlacklisted("pk1"))
	_, byOld := s.NodeByPublicKey("pk1")
	assert.False(t, byOld)
	byNew, ok := s.NodeByPublicKey("pk2")
	require.True(t, ok)
	assert.Equal(t, "n1", byNew.ID)
}

func TestGroupMembershipFold(t *testing.T) {
	log := []*events.Event{
		evt(t, 1, 1, events.TypeUserCreated, events.AggregateUser, "u1", events.UserCreated{Email: "kim@corp.io"}),
		evt(t, 2, 1, events.TypeUserCreated, events.AggregateUser, "u2", events.UserCreated{Email: "lee@corp.io"}),
		evt(t, 3, 1, events.TypeGroupCreated, events.AggregateGroup, "g1", events.GroupCreated{Name: "engineering"}),
		evt(t, 4, 2, events.TypeGroupMemberAdded, events.AggregateGroup, "g1", events.GroupMemberAdded{UserID: "u1"}),
		evt(t, 5, 3, events.TypeGroupMemberAdded, events.AggregateGroup, "g1", events.GroupMemberAdded{UserID: "u2"}),
		// duplicate add is a no-op
		evt(t, 6, 4, events.TypeGroupMemberAdded, events.AggregateGroup, "g1", events.GroupMemberAdded{UserID: "u1"}),
		evt(t, 7, 5, events.TypeGroupMemberRemoved, events.AggregateGroup, "g1", events.GroupMemberRemoved{UserID: "u2"}),
	}
	s, err := Replay(log)
	require.NoError(t, err)

	g, ok := s.GroupByID("g1")
	require.True(t, ok)
	assert.Equal(t, []string{"u1"}, g.Members)
	assert.Equal(t, []string{"g1"}, s.GroupsForUser("u1"))
	assert.Empty(t, s.GroupsForUser("u2"))

	u, ok := s.UserByEmail("kim@corp.io")
	require.True(t, ok)
	assert.Equal(t, "u1", u.ID)
}

func TestPolicyInsertionOrderSurvivesUpdates(t *testing.T) {
	log := []*events.Event{
		evt(t, 1, 1, events.TypeAccessPolicyCreated, events.AggregateAccessPolicy, "p1",
			events.AccessPolicyChange{Name: "first", Action: core.ActionAllow, Priority: 100, Enabled: true}),
		evt(t, 2, 1, events.TypeAccessPolicyCreated, events.AggregateAccessPolicy, "p2",
			events.AccessPolicyChange{Name: "second", Action: core.ActionDeny, Priority: 100, Enabled: true}),
		// updating p1 later must not move it behind p2
		evt(t, 3, 2, events.TypeAccessPolicyUpdated, events.AggregateAccessPolicy, "p1",
			events.AccessPolicyChange{Name: "first-renamed", Action: core.ActionAllow, Priority: 50, Enabled: true}),
	}
	s, err := Replay(log)
	require.NoError(t, err)

	list := s.ListAccessPolicies()
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID)
	assert.Equal(t, "first-renamed", list[0].Name)
	assert.Equal(t, 50, list[0].Priority)
	assert.Equal(t, "p2", list[1].ID)
}

func TestDeviceFold(t *testing.T) {
	exp := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Microsecond)
	log := []*events.Event{
		evt(t, 1, 1, events.TypeUserCreated, events.AggregateUser, "u1", events.UserCreated{Email: "kim@corp.io"}),
		evt(t, 2, 1, events.TypeClientDeviceCreated, events.AggregateClientDevice, "d1",
			events.ClientDeviceCreated{
				UserID: "u1", Name: "kim-laptop", Type: "laptop", OverlayIP: "10.10.0.100",
				TunnelMode: core.TunnelSplit, PublicKey: "dpk1", PrivateKeyEnc: "enc",
				TokenHash: "hash1", SingleUse: true, ExpiresAt: exp,
			}),
		evt(t, 3, 1, events.TypeIPAllocated, events.AggregateIPAM, "10.10.0.100",
			events.IPAllocated{IP: "10.10.0.100", OwnerID: "d1", OwnerType: "client_device", Pool: "client"}),
	}
	s, err := Replay(log)
	require.NoError(t, err)

	d, ok := s.DeviceByTokenHash("hash1")
	require.True(t, ok)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, core.StatusActive, d.Status)
	assert.False(t, d.ConfigDelivered)
	assert.Equal(t, 1, s.ActiveDeviceCount("u1"))
	assert.Equal(t, 1, s.LeaseCount("client"))

	// delivery flips the flag but keeps the token resolvable
	require.NoError(t, s.Apply(evt(t, 4, 2, events.TypeClientConfigDelivery, events.AggregateClientDevice, "d1",
		events.ClientConfigDelivered{RemoteIP: "198.51.100.4"})))
	d, _ = s.DeviceByID("d1")
	assert.True(t, d.ConfigDelivered)

	// revocation drops the token index and the active count
	require.NoError(t, s.Apply(evt(t, 5, 3, events.TypeClientDeviceRevoked, events.AggregateClientDevice, "d1",
		events.ClientDeviceRevoked{By: "admin"})))
	_, ok = s.DeviceByTokenHash("hash1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.ActiveDeviceCount("u1"))
}

func TestExpiredDeviceReadsRevoked(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	log := []*events.Event{
		evt(t, 1, 1, events.TypeClientDeviceCreated, events.AggregateClientDevice, "d1",
			events.ClientDeviceCreated{
				UserID: "u1", Name: "stale", OverlayIP: "10.10.0.100",
				PublicKey: "dpk1", TokenHash: "hash1", ExpiresAt: past,
			}),
	}
	s, err := Replay(log)
	require.NoError(t, err)

	// Every lookup masks the lapsed window as a revocation; no event needed.
	d, ok := s.DeviceByID("d1")
	require.True(t, ok)
	assert.Equal(t, core.StatusRevoked, d.Status)
	d, ok = s.DeviceByTokenHash("hash1")
	require.True(t, ok, "token stays resolvable until the sweep commits")
	assert.Equal(t, core.StatusRevoked, d.Status)
	require.Len(t, s.ListDevices(), 1)
	assert.Equal(t, core.StatusRevoked, s.ListDevices()[0].Status)
	assert.Equal(t, core.StatusRevoked, s.ListDevicesByUser("u1")[0].Status)
	assert.Equal(t, 0, s.ActiveDeviceCount("u1"), "expired devices hold no cap slot")

	// The sweep reads the raw fold so it can still find its targets.
	raw := s.ExpiredDevices(time.Now().UTC())
	require.Len(t, raw, 1)
	assert.Equal(t, core.StatusActive, raw[0].Status)
	assert.Equal(t, int64(1), raw[0].Version)

	require.NoError(t, s.Apply(evt(t, 2, 2, events.TypeClientDeviceRevoked, events.AggregateClientDevice, "d1",
		events.ClientDeviceRevoked{By: "expiry-sweeper", Reason: "expired"})))
	assert.Empty(t, s.ExpiredDevices(time.Now().UTC()))
}

func TestTrustHistoryBounded(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(evt(t, 1, 1, events.TypeNodeRegistered, events.AggregateNode, "n1",
		events.NodeRegistered{Hostname: "a", Role: core.RoleApp, PublicKey: "pk"})))

	for i := 0; i < trustHistoryCap+25; i++ {
		ev := evt(t, int64(i+2), int64(i+2), events.TypeTrustScoreChanged, events.AggregateNode, "n1",
			events.TrustScoreChanged{Score: i % 101, Previous: (i + 1) % 101, Risk: "low", Action: "allow"})
		require.NoError(t, s.Apply(ev))
	}

	hist := s.TrustHistory("n1", 0)
	assert.Len(t, hist, trustHistoryCap)
	// newest first
	assert.Equal(t, (trustHistoryCap+24)%101, hist[0].Score)

	top3 := s.TrustHistory("n1", 3)
	assert.Len(t, top3, 3)

	n, _ := s.NodeByID("n1")
	assert.Equal(t, (trustHistoryCap+24)%101, n.TrustScore)
}

func TestReplayDeterminism(t *testing.T) {
	log := nodeLifecycleLog(t)
	log = append(log,
		evt(t, 4, 1, events.TypeUserCreated, events.AggregateUser, "u1", events.UserCreated{Email: "kim@corp.io"}),
		evt(t, 5, 1, events.TypeAccessPolicyCreated, events.AggregateAccessPolicy, "p1",
			events.AccessPolicyChange{
				Name:    "kim to db",
				Subject: core.Subject{Type: core.SubjectUser, ID: "u1"},
				Resource: core.Resource{
					Type: core.ResourceRole, Value: "db",
				},
				Action: core.ActionAllow, Priority: 10, Enabled: true,
			}),
		evt(t, 6, 3, events.TypeTrustScoreChanged, events.AggregateNode, "n1",
			events.TrustScoreChanged{Score: 88, Previous: 0, Risk: "low", Action: "allow",
				Inputs: map[string]int{"role_weight": 75, "device_health": 100, "behavior": 100, "security_events": 100}}),
	)

	a, err := Replay(log)
	require.NoError(t, err)
	b, err := Replay(log)
	require.NoError(t, err)

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	an, _ := a.NodeByID("n1")
	bn, _ := b.NodeByID("n1")
	assert.Equal(t, an, bn)
	assert.Equal(t, a.ListAccessPolicies(), b.ListAccessPolicies())
	assert.Equal(t, a.TrustHistory("n1", 0), b.TrustHistory("n1", 0))
	assert.Equal(t, a.LastAppliedID(), b.LastAppliedID())
}

func TestHeartbeatsAreVolatile(t *testing.T) {
	log := nodeLifecycleLog(t)
	s, err := Replay(log)
	require.NoError(t, err)

	now := time.Now()
	s.RecordHeartbeat("n1", now, core.Vitals{CPUPercent: 12.5, OpenConns: 40})
	l, ok := s.LastHeartbeat("n1")
	require.True(t, ok)
	assert.Equal(t, 12.5, l.Vitals.CPUPercent)

	// replaying the same log yields a state with no liveness: heartbeats
	// never influence folded state
	fresh, err := Replay(log)
	require.NoError(t, err)
	_, ok = fresh.LastHeartbeat("n1")
	assert.False(t, ok)
	assert.Equal(t, s.Snapshot(), fresh.Snapshot())
}

func TestUnknownEventTypeIsSkipped(t *testing.T) {
	s := NewState()
	ev := evt(t, 1, 1, events.Type("SomethingFromTheFuture"), events.AggregateSystem, "x", map[string]string{})
	require.NoError(t, s.Apply(ev))
	assert.Equal(t, int64(1), s.LastAppliedID())
}
