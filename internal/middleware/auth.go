// Package middleware carries the HTTP cross-cutting pieces: node and admin
// authentication, per-address rate limiting, and request logging.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/projection"
	"github.com/ztmesh/ztmesh/internal/security"
)

type contextKey string

const (
	nodeKey      contextKey = "node"
	requestIDKey contextKey = "request_id"
)

// WithNode stores the authenticated node on the context.
func WithNode(ctx context.Context, n core.Node) context.Context {
	return context.WithValue(ctx, nodeKey, n)
}

// NodeFrom extracts the authenticated node placed by NodeAuth.
func NodeFrom(ctx context.Context) (core.Node, bool) {
	n, ok := ctx.Value(nodeKey).(core.Node)
	return n, ok
}

// RequestIDFrom extracts the correlation id placed by the request logger.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// NodeAuth authenticates agent calls with the node bearer token. Revoked
// nodes get a definitive 403 so the agent tears itself down; every other
// verification failure is a uniform 401.
func NodeAuth(broker *security.TokenBroker, state *projection.State) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}
			claims, err := broker.Verify(token)
			if err != nil {
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
				return
			}
			node, ok := state.NodeByID(claims.NodeID)
			if !ok {
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
				return
			}
			if node.Status == core.StatusRevoked {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprint(w, `{"status":"revoked"}`)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithNode(r.Context(), node)))
		})
	}
}

// AdminAuth gates the admin surface on the X-Admin-Token header, compared
// in constant time. Missing and wrong tokens are indistinguishable.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !security.VerifyAdminSecret(r.Header.Get("X-Admin-Token"), secret) {
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func deny(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, code, message)
}
