// Package api is the controller's HTTP surface: the agent protocol, the
// admin plane, client device provisioning, and the NDJSON event stream.
// Handlers stay thin; every mutation goes through the shared committer so
// the log, the projection, and the bus move together.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ztmesh/ztmesh/internal/config"
	"github.com/ztmesh/ztmesh/internal/devices"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/middleware"
	"github.com/ztmesh/ztmesh/internal/monitoring"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/projection"
	"github.com/ztmesh/ztmesh/internal/security"
	"github.com/ztmesh/ztmesh/internal/topology"
	"github.com/ztmesh/ztmesh/internal/trust"
)

// adminActor labels events produced by the admin surface. The admin token
// is shared, so there is no finer identity to record.
const adminActor = "admin"

const (
	handlerDeadline = 10 * time.Second
	syncDeadline    = 30 * time.Second
)

// Deps is everything the server needs. All fields are required except
// Devices, which client endpoints 503 without.
type Deps struct {
	Config    *config.Config
	State     *projection.State
	Committer *eventstore.Committer
	Store     eventstore.Store
	Alloc     *ipam.Allocator
	Synth     *topology.Synthesizer
	Trust     *trust.Engine
	Access    *policy.Evaluator
	Devices   *devices.Service
	Broker    *security.TokenBroker
	Bus       *events.Bus
	Metrics   *monitoring.Metrics
}

type Server struct {
	cfg       *config.Config
	state     *projection.State
	committer *eventstore.Committer
	store     eventstore.Store
	alloc     *ipam.Allocator
	synth     *topology.Synthesizer
	trust     *trust.Engine
	access    *policy.Evaluator
	devices   *devices.Service
	broker    *security.TokenBroker
	bus       *events.Bus
	metrics   *monitoring.Metrics
	logger    *log.Logger
	started   time.Time

	httpSrv *http.Server
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		state:     d.State,
		committer: d.Committer,
		store:     d.Store,
		alloc:     d.Alloc,
		synth:     d.Synth,
		trust:     d.Trust,
		access:    d.Access,
		devices:   d.Devices,
		broker:    d.Broker,
		bus:       d.Bus,
		metrics:   d.Metrics,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
		started:   time.Now().UTC(),
	}
}

// Routes builds the full router. Split out from Start so tests can mount it
// on httptest servers.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(s.metrics))

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Unauthenticated agent enrollment, rate limited per source address.
	registerLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: s.cfg.Registry.RegisterPerMin,
	})
	api.Handle("/agent/register",
		registerLimiter.Middleware(withDeadline(handlerDeadline, http.HandlerFunc(s.handleAgentRegister)))).Methods("POST")

	// Token-bearing agent surface. Registered after the explicit register
	// route so enrollment never hits NodeAuth.
	agent := api.PathPrefix("/agent").Subrouter()
	agent.Use(middleware.NodeAuth(s.broker, s.state))
	agent.Handle("/sync", withDeadline(syncDeadline, http.HandlerFunc(s.handleAgentSync))).Methods("POST")
	agent.Handle("/heartbeat", withDeadline(handlerDeadline, http.HandlerFunc(s.handleAgentHeartbeat))).Methods("POST")
	agent.Handle("/rotate-key", withDeadline(handlerDeadline, http.HandlerFunc(s.handleAgentRotateKey))).Methods("POST")

	// Access evaluation is readable by both planes; the stream too.
	api.Handle("/access/evaluate",
		s.adminOrNode(withDeadline(handlerDeadline, http.HandlerFunc(s.handleEvaluate)))).Methods("POST")
	api.Handle("/events", s.adminOrNode(http.HandlerFunc(s.handleEventStream))).Methods("GET")

	// Identity plane.
	access := api.PathPrefix("/access").Subrouter()
	access.Use(middleware.AdminAuth(s.cfg.Server.AdminSecret), deadlineMiddleware(handlerDeadline))
	access.HandleFunc("/users", s.handleUserCreate).Methods("POST")
	access.HandleFunc("/users", s.handleUserList).Methods("GET")
	access.HandleFunc("/users/{id}", s.handleUserGet).Methods("GET")
	access.HandleFunc("/users/{id}", s.handleUserUpdate).Methods("PUT")
	access.HandleFunc("/users/{id}", s.handleUserDelete).Methods("DELETE")
	access.HandleFunc("/groups", s.handleGroupCreate).Methods("POST")
	access.HandleFunc("/groups", s.handleGroupList).Methods("GET")
	access.HandleFunc("/groups/{id}", s.handleGroupGet).Methods("GET")
	access.HandleFunc("/groups/{id}", s.handleGroupUpdate).Methods("PUT")
	access.HandleFunc("/groups/{id}", s.handleGroupDelete).Methods("DELETE")
	access.HandleFunc("/groups/{id}/members", s.handleGroupMemberAdd).Methods("POST")
	access.HandleFunc("/groups/{id}/members/{uid}", s.handleGroupMemberRemove).Methods("DELETE")
	access.HandleFunc("/policies", s.handleAccessPolicyCreate).Methods("POST")
	access.HandleFunc("/policies", s.handleAccessPolicyList).Methods("GET")
	access.HandleFunc("/policies/{id}", s.handleAccessPolicyGet).Methods("GET")
	access.HandleFunc("/policies/{id}", s.handleAccessPolicyUpdate).Methods("PUT")
	access.HandleFunc("/policies/{id}", s.handleAccessPolicyDelete).Methods("DELETE")

	// Admin plane.
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminAuth(s.cfg.Server.AdminSecret), deadlineMiddleware(handlerDeadline))
	admin.HandleFunc("/nodes", s.handleNodeList).Methods("GET")
	admin.HandleFunc("/nodes/{id}", s.handleNodeGet).Methods("GET")
	admin.HandleFunc("/nodes/{id}/approve", s.handleNodeApprove).Methods("POST")
	admin.HandleFunc("/nodes/{id}/suspend", s.handleNodeSuspend).Methods("POST")
	admin.HandleFunc("/nodes/{id}/resume", s.handleNodeResume).Methods("POST")
	admin.HandleFunc("/nodes/{id}/revoke", s.handleNodeRevoke).Methods("POST")
	admin.HandleFunc("/nodes/{id}/rotate-key", s.handleNodeRotateKey).Methods("POST")
	admin.HandleFunc("/nodes/{id}/trust", s.handleNodeTrust).Methods("GET")
	admin.HandleFunc("/network-policies", s.handleNetworkPolicyCreate).Methods("POST")
	admin.HandleFunc("/network-policies", s.handleNetworkPolicyList).Methods("GET")
	admin.HandleFunc("/network-policies/{id}", s.handleNetworkPolicyGet).Methods("GET")
	admin.HandleFunc("/network-policies/{id}", s.handleNetworkPolicyUpdate).Methods("PUT")
	admin.HandleFunc("/network-policies/{id}", s.handleNetworkPolicyDelete).Methods("DELETE")
	admin.HandleFunc("/webhooks", s.handleWebhookCreate).Methods("POST")
	admin.HandleFunc("/webhooks", s.handleWebhookList).Methods("GET")
	admin.HandleFunc("/webhooks/{id}", s.handleWebhookDelete).Methods("DELETE")
	admin.HandleFunc("/status", s.handleStatus).Methods("GET")
	admin.HandleFunc("/audit", s.handleAudit).Methods("GET")
	admin.HandleFunc("/audit/root", s.handleAuditRoot).Methods("GET")

	// Client device provisioning (admin) and token-gated config delivery.
	client := api.PathPrefix("/client/devices").Subrouter()
	client.Use(middleware.AdminAuth(s.cfg.Server.AdminSecret), deadlineMiddleware(handlerDeadline))
	client.HandleFunc("", s.handleDeviceCreate).Methods("POST")
	client.HandleFunc("", s.handleDeviceList).Methods("GET")
	client.HandleFunc("/{id}", s.handleDeviceRevoke).Methods("DELETE")

	configLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 30})
	cfgRoutes := api.PathPrefix("/client/config").Subrouter()
	cfgRoutes.Use(configLimiter.Middleware, deadlineMiddleware(handlerDeadline))
	cfgRoutes.HandleFunc("/{token}", s.handleConfigJSON).Methods("GET")
	cfgRoutes.HandleFunc("/{token}/raw", s.handleConfigRaw).Methods("GET")
	cfgRoutes.HandleFunc("/{token}/qr", s.handleConfigQR).Methods("GET")

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
// WriteTimeout stays zero because /api/v1/events holds responses open.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        ":" + s.cfg.Server.Port,
		Handler:     s.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.logger.Printf("🚀 Controller API listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Println("⚠️ Shutting down HTTP server")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"time":           time.Now().UTC(),
	})
}

// adminOrNode admits callers holding either credential. The admin check
// runs first; failing it falls through to node bearer auth, whose uniform
// 401 leaks nothing about which side was wrong.
func (s *Server) adminOrNode(next http.Handler) http.Handler {
	nodeAuthed := middleware.NodeAuth(s.broker, s.state)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if security.VerifyAdminSecret(r.Header.Get("X-Admin-Token"), s.cfg.Server.AdminSecret) {
			next.ServeHTTP(w, r)
			return
		}
		nodeAuthed.ServeHTTP(w, r)
	})
}

func withDeadline(d time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deadlineMiddleware(d time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return withDeadline(d, next)
	}
}
