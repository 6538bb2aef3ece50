package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/topology"
	"github.com/ztmesh/ztmesh/internal/wireguard"
)

type fakeTunnel struct {
	mu         sync.Mutex
	addresses  []string
	keys       []wgtypes.Key
	peerSets   [][]topology.Peer
	teardowns  int
	handshake  time.Duration
	ensureErr  error
}

func (f *fakeTunnel) EnsureInterface(address string, listenPort int, key wgtypes.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.addresses = append(f.addresses, address)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeTunnel) ReconcilePeers(peers []topology.Peer) (wireguard.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peerSets = append(f.peerSets, peers)
	return wireguard.Delta{Added: len(peers)}, nil
}

func (f *fakeTunnel) HubHandshakeAge(publicKey string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshake, nil
}

func (f *fakeTunnel) Teardown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	return nil
}

type fakeFilter struct {
	mu        sync.Mutex
	applied   [][]policy.Rule
	teardowns int
}

func (f *fakeFilter) Apply(rules []policy.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, rules)
	return nil
}

func (f *fakeFilter) Teardown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	return nil
}

type stubVitals struct{ v core.Vitals }

func (s stubVitals) Vitals(context.Context) core.Vitals { return s.v }

// loopRig wires an Enforcer to a fake controller; each test swaps in the
// sync behavior it needs.
type loopRig struct {
	dir    string
	tunnel *fakeTunnel
	filter *fakeFilter
	enf    *Enforcer

	mu       sync.Mutex
	syncFn   func(w http.ResponseWriter, r *http.Request)
	register RegisterResponse

	registerHits atomic.Int32
	hbHits       atomic.Int32
	hbNext       atomic.Int32
	rotatedKey   atomic.Value
}

func (rig *loopRig) setSync(fn func(w http.ResponseWriter, r *http.Request)) {
	rig.mu.Lock()
	rig.syncFn = fn
	rig.mu.Unlock()
}

func syncPlan(resp SyncResponse) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, resp)
	}
}

func syncStatus(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newLoopRig(t *testing.T, st State) *loopRig {
	t.Helper()

	rig := &loopRig{
		dir:    t.TempDir(),
		tunnel: &fakeTunnel{},
		filter: &fakeFilter{},
	}
	rig.setSync(syncStatus(http.StatusNotModified, ""))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agent/register", func(w http.ResponseWriter, r *http.Request) {
		rig.registerHits.Add(1)
		rig.mu.Lock()
		resp := rig.register
		rig.mu.Unlock()
		respondJSON(w, http.StatusCreated, resp)
	})
	mux.HandleFunc("/api/v1/agent/sync", func(w http.ResponseWriter, r *http.Request) {
		rig.mu.Lock()
		fn := rig.syncFn
		rig.mu.Unlock()
		fn(w, r)
	})
	mux.HandleFunc("/api/v1/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		rig.hbHits.Add(1)
		respondJSON(w, http.StatusOK, HeartbeatResponse{Ack: true, NextInterval: int(rig.hbNext.Load())})
	})
	mux.HandleFunc("/api/v1/agent/rotate-key", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PublicKey string `json:"public_key"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		rig.rotatedKey.Store(body.PublicKey)
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		<-r.Context().Done()
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	key, err := wireguard.LoadOrCreateKey(rig.dir)
	require.NoError(t, err)

	client := NewClient(ClientConfig{HubURL: ts.URL, Timeout: 2 * time.Second, Token: st.Token})
	rig.enf = NewEnforcer(EnforcerConfig{
		Hostname: "web-01",
		Role:     "web",
		StateDir: rig.dir,
		Version:  "test",
		Interval: time.Second,
	}, Deps{
		Client:  client,
		Tunnel:  rig.tunnel,
		Filter:  rig.filter,
		Watcher: noopWatcher{},
		Vitals:  stubVitals{},
		State:   st,
		Key:     key,
	})
	return rig
}

func enrolledState() State {
	return State{
		NodeID:       "node-1",
		Token:        "tok-1",
		OverlayIP:    "10.10.0.2",
		HubPublicKey: "hub-pk",
		HubEndpoint:  "hub.example:51820",
	}
}

func testPlan() SyncResponse {
	return SyncResponse{
		PlanHash: "plan-h2",
		Interface: topology.Interface{
			Address:    "10.10.0.2/24",
			ListenPort: 51820,
		},
		Peers: []topology.Peer{{PublicKey: "hub-pk", Endpoint: "hub.example:51820", AllowedIPs: []string{"10.10.0.0/24"}}},
		FirewallRules: []policy.Rule{
			{Src: "10.10.0.3/32", Proto: "tcp", Port: "443", Action: "ACCEPT"},
			{Src: "any", Proto: "any", Action: "DROP", Comment: "default deny"},
		},
	}
}

func TestTickEnrollsWhenFresh(t *testing.T) {
	rig := newLoopRig(t, State{})
	rig.mu.Lock()
	rig.register = RegisterResponse{
		NodeID: "node-9", Status: "pending", Token: "tok-9",
		OverlayIP: "10.10.0.9", HubPublicKey: "hub-pk", HubEndpoint: "hub.example:51820",
	}
	rig.mu.Unlock()

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), rig.registerHits.Load())

	saved, err := LoadState(rig.dir)
	require.NoError(t, err)
	assert.Equal(t, "node-9", saved.NodeID)
	assert.Equal(t, "tok-9", saved.Token)
	assert.Equal(t, "10.10.0.9", saved.OverlayIP)
	assert.True(t, rig.enf.state.Enrolled())
}

func TestTickPollsWhilePending(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	rig.setSync(syncStatus(http.StatusForbidden, `{"status":"pending"}`))

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, rig.tunnel.addresses)
	assert.Empty(t, rig.filter.applied)
	assert.Equal(t, int32(0), rig.hbHits.Load(), "pending nodes do not heartbeat")
}

func TestTickAppliesChangedPlan(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	plan := testPlan()
	rig.setSync(syncPlan(plan))

	next, err := rig.enf.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), next)

	require.Len(t, rig.tunnel.addresses, 1)
	assert.Equal(t, "10.10.0.2/24", rig.tunnel.addresses[0])
	require.Len(t, rig.tunnel.peerSets, 1)
	assert.Equal(t, plan.Peers, rig.tunnel.peerSets[0])
	require.Len(t, rig.filter.applied, 1)
	assert.Equal(t, plan.FirewallRules, rig.filter.applied[0])

	saved, err := LoadState(rig.dir)
	require.NoError(t, err)
	assert.Equal(t, "plan-h2", saved.AppliedHash)
	assert.Equal(t, int32(1), rig.hbHits.Load())
}

func TestTickHeartbeatsOnUnchangedPlan(t *testing.T) {
	st := enrolledState()
	st.AppliedHash = "plan-h2"
	rig := newLoopRig(t, st)
	rig.setSync(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "plan-h2", r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	})
	rig.hbNext.Store(120)

	next, err := rig.enf.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, next)

	assert.Empty(t, rig.tunnel.addresses, "unchanged plan must not touch the link")
	assert.Empty(t, rig.filter.applied, "unchanged plan must not touch the filter")
	assert.Equal(t, int32(1), rig.hbHits.Load())
}

func TestTickClampsServerInterval(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	rig.hbNext.Store(5)

	next, err := rig.enf.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, minTick, next)
}

func TestTickKeepsPlanWhenSyncFails(t *testing.T) {
	st := enrolledState()
	st.AppliedHash = "plan-h1"
	rig := newLoopRig(t, st)
	rig.setSync(syncStatus(http.StatusInternalServerError, `{"error":"INTERNAL"}`))

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err, "transient sync failures are absorbed")

	assert.Empty(t, rig.tunnel.addresses)
	assert.Empty(t, rig.filter.applied)
	assert.Equal(t, 0, rig.tunnel.teardowns)
	assert.Equal(t, "plan-h1", rig.enf.state.AppliedHash)
}

func TestTickRetriesFailedApplyNextTick(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	rig.tunnel.ensureErr = errors.New("link busy")
	rig.setSync(syncPlan(testPlan()))

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err, "apply failures are absorbed and retried")
	assert.Empty(t, rig.enf.state.AppliedHash, "failed applies must not persist the plan hash")
	assert.Equal(t, int32(0), rig.hbHits.Load())
}

func TestTickEndsLoopWhenKernelSupportLost(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	rig.tunnel.ensureErr = fmt.Errorf("add link: %w", wireguard.ErrUnsupported)
	rig.setSync(syncPlan(testPlan()))

	_, err := rig.enf.tick(context.Background())
	assert.ErrorIs(t, err, wireguard.ErrUnsupported)
}

func TestTickIsolateDirective(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	plan := testPlan()
	plan.Directives = []Directive{{Name: core.DirectiveIsolate}}
	rig.setSync(syncPlan(plan))

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rig.filter.teardowns)
	assert.Equal(t, 1, rig.tunnel.teardowns)
	assert.Empty(t, rig.tunnel.addresses, "isolate must not re-apply the plan")

	saved, err := LoadState(rig.dir)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanHash, saved.AppliedHash, "isolated plan reads as applied so the next sync answers 304")
}

func TestTickShutdownDirective(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	plan := testPlan()
	plan.Directives = []Directive{{Name: core.DirectiveShutdown}}
	rig.setSync(syncPlan(plan))

	_, err := rig.enf.tick(context.Background())
	assert.ErrorIs(t, err, errShutdown)
	assert.Empty(t, rig.tunnel.addresses)
}

func TestTickReenrollDirective(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	plan := testPlan()
	plan.Directives = []Directive{{Name: core.DirectiveReenroll}}
	rig.setSync(syncPlan(plan))

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err)

	assert.False(t, rig.enf.state.Enrolled())
	assert.Empty(t, rig.tunnel.addresses, "reenroll drops the plan on the floor")
}

func TestTickRotateKeyDirective(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	oldKey := rig.enf.key

	plan := testPlan()
	plan.Directives = []Directive{{Name: core.DirectiveRotateKey, Deadline: time.Now().Add(time.Hour).Format(time.RFC3339)}}
	rig.setSync(syncPlan(plan))

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, oldKey, rig.enf.key, "rotation must install a fresh key")
	submitted, _ := rig.rotatedKey.Load().(string)
	assert.Equal(t, rig.enf.key.PublicKey().String(), submitted)

	persisted, err := wireguard.LoadOrCreateKey(rig.dir)
	require.NoError(t, err)
	assert.Equal(t, rig.enf.key, persisted, "rotated key must be persisted")

	require.Len(t, rig.tunnel.keys, 1)
	assert.Equal(t, rig.enf.key, rig.tunnel.keys[0], "plan applies with the rotated key")
}

func TestTickRevokedNodeStandsBy(t *testing.T) {
	rig := newLoopRig(t, enrolledState())
	oldKey := rig.enf.key
	rig.setSync(syncStatus(http.StatusForbidden, `{"status":"revoked"}`))

	_, err := rig.enf.tick(context.Background())
	require.NoError(t, err, "revocation does not end the loop")

	assert.Equal(t, 1, rig.filter.teardowns)
	assert.Equal(t, 1, rig.tunnel.teardowns)
	assert.False(t, rig.enf.state.Enrolled())
	assert.NotEqual(t, oldKey, rig.enf.key, "revoked keys are blacklisted; re-enrollment needs a fresh pair")

	persisted, err := wireguard.LoadOrCreateKey(rig.dir)
	require.NoError(t, err)
	assert.Equal(t, rig.enf.key, persisted)
}

func TestStaleHandshakeReport(t *testing.T) {
	rig := newLoopRig(t, enrolledState())

	report, ok := rig.enf.staleHandshakeReport()
	assert.False(t, ok, "no report before a plan has been applied")

	rig.enf.appliedAt = time.Now().Add(-10 * time.Minute)
	rig.tunnel.handshake = time.Minute
	_, ok = rig.enf.staleHandshakeReport()
	assert.False(t, ok, "a fresh handshake is not a failure")

	rig.tunnel.handshake = 10 * time.Minute
	report, ok = rig.enf.staleHandshakeReport()
	require.True(t, ok)
	assert.Equal(t, core.ReportHandshakeFailures, report.Kind)
	assert.Contains(t, report.Detail, "10m")
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, minTick, clampInterval(time.Second))
	assert.Equal(t, 90*time.Second, clampInterval(90*time.Second))
	assert.Equal(t, maxTick, clampInterval(time.Hour))
}

func TestEnforcerStartStop(t *testing.T) {
	rig := newLoopRig(t, enrolledState())

	require.NoError(t, rig.enf.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return rig.hbHits.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond, "first tick should heartbeat")

	require.NoError(t, rig.enf.Stop())
	select {
	case <-rig.enf.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
	assert.NoError(t, rig.enf.Err())
}
