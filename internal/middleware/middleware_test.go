package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/projection"
	"github.com/ztmesh/ztmesh/internal/security"
)

type rig struct {
	state     *projection.State
	committer *eventstore.Committer
}

func newRig() *rig {
	state := projection.NewState()
	return &rig{state: state, committer: eventstore.NewCommitter(eventstore.NewMemoryStore(), state, nil)}
}

func (r *rig) seedNode(t *testing.T, id string) core.Node {
	t.Helper()
	ctx := context.Background()
	_, err := r.committer.Commit(ctx, eventstore.Any(), events.MustNew(
		events.TypeNodeRegistered, events.AggregateNode, id, "agent", "", events.NodeRegistered{
			Hostname: id, Role: core.RoleApp, PublicKey: "pk-" + id,
		}))
	require.NoError(t, err)
	_, err = r.committer.Commit(ctx, eventstore.Any(), events.MustNew(
		events.TypeNodeApproved, events.AggregateNode, id, "admin", "", events.NodeApproved{
			ApprovedBy: "admin", OverlayIP: "10.10.0.2",
		}))
	require.NoError(t, err)
	n, _ := r.state.NodeByID(id)
	return n
}

func TestNodeAuth(t *testing.T) {
	r := newRig()
	node := r.seedNode(t, "app-01")
	broker := security.NewTokenBroker("secret", "", 0)
	token, err := broker.Issue(node.ID, node.Hostname, node.Role)
	require.NoError(t, err)

	var seen core.Node
	handler := NodeAuth(broker, r.state)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen, _ = NodeFrom(req.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/agent/sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app-01", seen.ID)

	// No token and a garbage token are the same 401.
	for _, auth := range []string{"", "Bearer nonsense", "Basic abc"} {
		req := httptest.NewRequest("POST", "/agent/sync", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "auth %q", auth)
	}

	// A token signed by someone else fails verification.
	other, _ := security.NewTokenBroker("other-secret", "", 0).Issue(node.ID, node.Hostname, node.Role)
	req = httptest.NewRequest("POST", "/agent/sync", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNodeAuthRevoked(t *testing.T) {
	r := newRig()
	node := r.seedNode(t, "app-01")
	broker := security.NewTokenBroker("secret", "", 0)
	token, _ := broker.Issue(node.ID, node.Hostname, node.Role)

	_, err := r.committer.Commit(context.Background(), eventstore.Any(), events.MustNew(
		events.TypeNodeRevoked, events.AggregateNode, node.ID, "admin", "", events.NodeRevoked{
			Reason: "compromised", By: "admin", PublicKey: node.PublicKey,
		}))
	require.NoError(t, err)

	handler := NodeAuth(broker, r.state)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("revoked node must not reach the handler")
	}))
	req := httptest.NewRequest("POST", "/agent/sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"status":"revoked"}`, rec.Body.String())
}

func TestAdminAuth(t *testing.T) {
	handler := AdminAuth("hunter2")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/admin/nodes", nil)
	req.Header.Set("X-Admin-Token", "hunter2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	for _, tok := range []string{"", "wrong"} {
		req := httptest.NewRequest("GET", "/admin/nodes", nil)
		if tok != "" {
			req.Header.Set("X-Admin-Token", tok)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// An empty configured secret locks the surface entirely.
	closed := AdminAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req = httptest.NewRequest("GET", "/admin/nodes", nil)
	req.Header.Set("X-Admin-Token", "")
	rec = httptest.NewRecorder()
	closed.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("203.0.113.9"), "call %d", i+1)
	}
	assert.False(t, rl.Allow("203.0.113.9"))

	// Other clients have their own window.
	assert.True(t, rl.Allow("203.0.113.10"))

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("POST", "/agent/register", nil)
	req.RemoteAddr = "203.0.113.9:39812"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:55000"
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.4, 10.0.0.1")
	assert.Equal(t, "203.0.113.4", ClientIP(req))
}
