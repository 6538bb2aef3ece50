package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/middleware"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/topology"
)

// heartbeatSeconds is the tick handed back to agents. Kept inside the
// protocol's [15s, 300s] window.
const heartbeatSeconds = 60

type registerRequest struct {
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	PublicKey    string `json:"public_key"`
	RealIP       string `json:"real_ip,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	OSInfo       string `json:"os_info,omitempty"`
}

// registerResponse is returned on every register call, fresh or repeated.
// Token is present as soon as the node exists so a pending agent can poll
// sync and read its 403 pending body; OverlayIP and the hub block fill in
// once the node is approved.
type registerResponse struct {
	NodeID       string    `json:"node_id"`
	Status       string    `json:"status"`
	Token        string    `json:"token,omitempty"`
	OverlayIP    string    `json:"overlay_ip,omitempty"`
	HubPublicKey string    `json:"hub_public_key,omitempty"`
	HubEndpoint  string    `json:"hub_endpoint,omitempty"`
	ServerTime   time.Time `json:"server_time"`
}

type directive struct {
	Name     core.Directive `json:"name"`
	Deadline string         `json:"deadline,omitempty"`
}

type syncRequest struct {
	Vitals *core.Vitals `json:"vitals,omitempty"`
}

type syncResponse struct {
	PlanHash      string             `json:"plan_hash"`
	Interface     topology.Interface `json:"interface"`
	Peers         []topology.Peer    `json:"peers"`
	FirewallRules []policy.Rule      `json:"firewall_rules"`
	Directives    []directive        `json:"directives"`
}

type heartbeatRequest struct {
	Vitals  core.Vitals           `json:"vitals"`
	Reports []core.SecurityReport `json:"reports,omitempty"`
}

type heartbeatResponse struct {
	Ack          bool `json:"ack"`
	NextInterval int  `json:"next_interval"`
}

type rotateKeyRequest struct {
	NodeID    string `json:"node_id,omitempty"`
	PublicKey string `json:"public_key"`
}

// handleAgentRegister enrolls a node. The call is idempotent on
// (hostname, public_key): repeating it returns the current record, which is
// how pending agents poll for approval. A different key on a live hostname
// is a conflict unless the previous record was revoked.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	hostname, err := core.NormalizeHostname(req.Hostname)
	if err != nil {
		writeError(w, err)
		return
	}
	role := core.Role(req.Role)
	if !core.ValidRole(role) {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_ROLE", "unknown role %q", req.Role))
		return
	}
	if err := core.ValidatePublicKey(req.PublicKey); err != nil {
		writeError(w, err)
		return
	}

	var resp registerResponse
	err = s.committer.Locked(func() error {
		if s.state.KeyBlacklisted(req.PublicKey) {
			return core.Errorf(core.KindTrustDenied, "KEY_BLACKLISTED",
				"public key belongs to a revoked node")
		}

		if existing, ok := s.state.NodeByHostname(hostname); ok && existing.Status != core.StatusRevoked {
			if existing.PublicKey != req.PublicKey {
				return core.Errorf(core.KindConflict, "HOSTNAME_EXISTS",
					"hostname %s is registered with a different key", hostname)
			}
			resp = s.registerView(existing)
			return nil
		}
		if other, ok := s.state.NodeByPublicKey(req.PublicKey); ok && other.Status != core.StatusRevoked {
			return core.Errorf(core.KindConflict, "DUPLICATE_KEY",
				"public key already registered to %s", other.Hostname)
		}

		id := uuid.New().String()
		evs := []*events.Event{
			events.MustNew(events.TypeNodeRegistered, events.AggregateNode, id, hostname, "", events.NodeRegistered{
				Hostname:     hostname,
				Role:         role,
				PublicKey:    req.PublicKey,
				RealIP:       req.RealIP,
				AgentVersion: req.AgentVersion,
				OSInfo:       req.OSInfo,
			}),
		}

		if s.autoApproves(role) {
			ip, err := s.pickNodeAddress(core.Node{ID: id, Role: role}, time.Now().UTC())
			if err != nil {
				// Enroll pending anyway; approval waits for pool space.
				s.logger.Printf("⚠️ auto-approve for %s blocked: %v", hostname, err)
				if core.IsKind(err, core.KindPoolExhausted) {
					s.signalExhaustion(r.Context(), ipam.PoolNode, hostname)
				}
			} else {
				evs = append(evs,
					events.MustNew(events.TypeIPAllocated, events.AggregateIPAM, ip, "auto", "", events.IPAllocated{
						IP: ip, OwnerID: id, OwnerType: "node", Pool: string(ipam.PoolNode),
					}),
					events.MustNew(events.TypeNodeApproved, events.AggregateNode, id, "auto", "", events.NodeApproved{
						ApprovedBy: "auto", OverlayIP: ip,
					}),
				)
			}
		}

		if _, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNode, id, 0), evs...); err != nil {
			return err
		}
		node, _ := s.state.NodeByID(id)
		s.logger.Printf("✅ Registered node %s (%s) role=%s status=%s", hostname, id, role, node.Status)
		resp = s.registerView(node)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// registerView assembles the register response for the node's current
// state, minting a fresh bearer token on every call.
func (s *Server) registerView(node core.Node) registerResponse {
	resp := registerResponse{
		NodeID:     node.ID,
		Status:     string(node.Status),
		OverlayIP:  node.OverlayIP,
		ServerTime: time.Now().UTC(),
	}
	if token, err := s.broker.Issue(node.ID, node.Hostname, node.Role); err == nil {
		resp.Token = token
	} else {
		s.logger.Printf("❌ token mint for %s failed: %v", node.ID, err)
	}
	resp.HubPublicKey, resp.HubEndpoint = s.hubInfo()
	return resp
}

func (s *Server) autoApproves(role core.Role) bool {
	if s.cfg.Registry.AutoApproveAll {
		return true
	}
	for _, r := range s.cfg.Registry.AutoApproveRoles {
		if core.Role(r) == role {
			return true
		}
	}
	return false
}

func (s *Server) hubInfo() (publicKey, endpoint string) {
	hub, ok := s.state.Hub()
	if !ok {
		return "", ""
	}
	if hub.RealIP != "" {
		endpoint = net.JoinHostPort(hub.RealIP, strconv.Itoa(s.cfg.Overlay.WGPort))
	}
	return hub.PublicKey, endpoint
}

// signalExhaustion appends the throttled IpamExhausted marker. Callers hold
// the committer lock.
func (s *Server) signalExhaustion(ctx context.Context, pool ipam.Pool, requestedFor string) {
	s.metrics.RecordPoolExhausted(string(pool))
	if !s.alloc.ShouldSignalExhaustion(pool, time.Now().UTC()) {
		return
	}
	ev := events.MustNew(events.TypeIPAMExhausted, events.AggregateIPAM, string(pool), "controller", "", events.IPAMExhausted{
		Pool:      string(pool),
		Requested: requestedFor,
	})
	if _, err := s.committer.CommitLocked(ctx, eventstore.Any(), ev); err != nil {
		s.logger.Printf("❌ exhaustion marker append failed: %v", err)
	}
}

// handleAgentSync returns the caller's current plan. Pending nodes get the
// 403 pending body, suspended nodes get an isolate directive with an empty
// peer set, and an If-None-Match hit returns 304 with no body.
func (s *Server) handleAgentSync(w http.ResponseWriter, r *http.Request) {
	node, ok := middleware.NodeFrom(r.Context())
	if !ok {
		writeError(w, core.Errorf(core.KindUnauthorized, "UNAUTHORIZED", "no node on request"))
		return
	}

	if r.ContentLength != 0 {
		var req syncRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Vitals != nil {
			s.state.RecordHeartbeat(node.ID, time.Now().UTC(), *req.Vitals)
		}
	}

	if node.Status == core.StatusPending {
		writeError(w, core.Errorf(core.KindNotApproved, "PENDING", "node %s awaits approval", node.ID))
		return
	}

	var resp syncResponse
	switch node.Status {
	case core.StatusSuspended:
		plan := &topology.Plan{
			Interface:     topology.Interface{Address: node.OverlayIP},
			Peers:         []topology.Peer{},
			FirewallRules: []policy.Rule{},
		}
		resp = syncResponse{
			PlanHash:      plan.Hash(),
			Interface:     plan.Interface,
			Peers:         plan.Peers,
			FirewallRules: plan.FirewallRules,
			Directives:    []directive{{Name: core.DirectiveIsolate}},
		}
	default:
		plan, hash, err := s.synth.PlanFor(node)
		if err != nil {
			writeError(w, err)
			return
		}
		resp = syncResponse{
			PlanHash:      hash,
			Interface:     plan.Interface,
			Peers:         plan.Peers,
			FirewallRules: plan.FirewallRules,
			Directives:    s.directivesFor(node),
		}
	}

	w.Header().Set("ETag", resp.PlanHash)
	if r.Header.Get("If-None-Match") == resp.PlanHash {
		s.metrics.RecordSync(true)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.metrics.RecordSync(false)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) directivesFor(node core.Node) []directive {
	ds := []directive{}
	if !node.RotateKeyBy.IsZero() {
		ds = append(ds, directive{
			Name:     core.DirectiveRotateKey,
			Deadline: node.RotateKeyBy.UTC().Format(time.RFC3339),
		})
	}
	return ds
}

// handleAgentHeartbeat records liveness and vitals and feeds security
// reports to the trust engine. The response carries the next tick so the
// server can slow a noisy fleet down without a deploy.
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	node, ok := middleware.NodeFrom(r.Context())
	if !ok {
		writeError(w, core.Errorf(core.KindUnauthorized, "UNAUTHORIZED", "no node on request"))
		return
	}
	if node.Status == core.StatusPending {
		writeError(w, core.Errorf(core.KindNotApproved, "PENDING", "node %s awaits approval", node.ID))
		return
	}

	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.state.RecordHeartbeat(node.ID, time.Now().UTC(), req.Vitals)
	if len(req.Reports) > 0 {
		s.trust.RecordReports(node.ID, req.Reports)
	}
	s.metrics.RecordHeartbeat(string(node.Role))

	writeJSON(w, http.StatusOK, heartbeatResponse{Ack: true, NextInterval: heartbeatSeconds})
}

// handleAgentRotateKey completes a key rotation: the agent generated a new
// keypair locally and submits the public half.
func (s *Server) handleAgentRotateKey(w http.ResponseWriter, r *http.Request) {
	node, ok := middleware.NodeFrom(r.Context())
	if !ok {
		writeError(w, core.Errorf(core.KindUnauthorized, "UNAUTHORIZED", "no node on request"))
		return
	}
	if node.Status == core.StatusPending {
		writeError(w, core.Errorf(core.KindNotApproved, "PENDING", "node %s awaits approval", node.ID))
		return
	}

	var req rotateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID != "" && req.NodeID != node.ID {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_NODE_ID",
			"node_id does not match the authenticated node"))
		return
	}
	if err := core.ValidatePublicKey(req.PublicKey); err != nil {
		writeError(w, err)
		return
	}

	err := s.committer.Locked(func() error {
		current, ok := s.state.NodeByID(node.ID)
		if !ok {
			return core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node %s not found", node.ID)
		}
		if current.PublicKey == req.PublicKey {
			return core.Errorf(core.KindInvalidArgument, "KEY_UNCHANGED", "new key equals the current key")
		}
		if s.state.KeyBlacklisted(req.PublicKey) {
			return core.Errorf(core.KindTrustDenied, "KEY_BLACKLISTED",
				"public key belongs to a revoked node")
		}
		if other, ok := s.state.NodeByPublicKey(req.PublicKey); ok && other.ID != current.ID {
			return core.Errorf(core.KindConflict, "DUPLICATE_KEY",
				"public key already registered to %s", other.Hostname)
		}

		ev := events.MustNew(events.TypeNodeKeyRotated, events.AggregateNode, current.ID, current.Hostname, "", events.NodeKeyRotated{
			OldKey: current.PublicKey,
			NewKey: req.PublicKey,
		})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNode, current.ID, current.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Printf("🔒 Node %s rotated its key", node.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":    node.ID,
		"public_key": req.PublicKey,
		"rotated_at": time.Now().UTC(),
	})
}
