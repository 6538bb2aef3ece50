package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/projection"
	"github.com/ztmesh/ztmesh/internal/trust"
)

// rotateKeyGrace is how long a node has to complete an admin-requested key
// rotation before agents treat the directive as overdue.
const rotateKeyGrace = 24 * time.Hour

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := projection.NodeFilter{
		Status: core.Status(q.Get("status")),
		Role:   core.Role(q.Get("role")),
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": s.state.ListNodes(filter)})
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	node, ok := s.state.NodeByID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node not found"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// reasonRequest is the optional body of suspend and revoke.
type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func readReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.ContentLength == 0 {
		return "", true
	}
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	return req.Reason, true
}

// pickNodeAddress chooses a node's overlay address. Hubs take the reserved
// first host of the overlay; spokes draw from the node pool.
func (s *Server) pickNodeAddress(node core.Node, now time.Time) (string, error) {
	if node.Role == core.RoleHub {
		ip := s.alloc.HubIP()
		if _, taken := s.state.LeaseByIP(ip); taken {
			return "", core.Errorf(core.KindConflict, "HUB_ADDRESS_TAKEN",
				"hub address %s is already leased", ip)
		}
		return ip, nil
	}
	return s.alloc.PickFree(ipam.PoolNode, now)
}

// handleNodeApprove activates a pending node, allocating its overlay
// address in the same commit. A full node pool leaves the node pending and
// answers 503 so the admin retries after freeing space.
func (s *Server) handleNodeApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.committer.Locked(func() error {
		node, ok := s.state.NodeByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node not found")
		}
		if _, err := core.Transition(node.Status, core.StatusActive); err != nil {
			return err
		}

		evs := []*events.Event{}
		ip := node.OverlayIP
		if ip == "" {
			picked, err := s.pickNodeAddress(node, time.Now().UTC())
			if err != nil {
				if core.IsKind(err, core.KindPoolExhausted) {
					s.signalExhaustion(r.Context(), ipam.PoolNode, node.Hostname)
				}
				return err
			}
			ip = picked
			evs = append(evs, events.MustNew(events.TypeIPAllocated, events.AggregateIPAM, ip, adminActor, "", events.IPAllocated{
				IP: ip, OwnerID: node.ID, OwnerType: "node", Pool: string(ipam.PoolNode),
			}))
		}
		evs = append(evs, events.MustNew(events.TypeNodeApproved, events.AggregateNode, node.ID, adminActor, "", events.NodeApproved{
			ApprovedBy: adminActor,
			OverlayIP:  ip,
		}))

		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNode, node.ID, node.Version), evs...)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	node, _ := s.state.NodeByID(id)
	s.logger.Printf("✅ Approved node %s (%s) at %s", node.Hostname, node.ID, node.OverlayIP)
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleNodeSuspend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason, ok := readReason(w, r)
	if !ok {
		return
	}

	err := s.committer.Locked(func() error {
		node, ok := s.state.NodeByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node not found")
		}
		if _, err := core.Transition(node.Status, core.StatusSuspended); err != nil {
			return err
		}
		ev := events.MustNew(events.TypeNodeSuspended, events.AggregateNode, node.ID, adminActor, "", events.NodeSuspended{
			Reason: reason,
			By:     adminActor,
		})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNode, node.ID, node.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	node, _ := s.state.NodeByID(id)
	s.logger.Printf("⚠️ Suspended node %s (%s)", node.Hostname, node.ID)
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleNodeResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.committer.Locked(func() error {
		node, ok := s.state.NodeByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node not found")
		}
		if node.Status != core.StatusSuspended {
			return core.Errorf(core.KindConflict, "BAD_TRANSITION",
				"cannot resume a node in status %s", node.Status)
		}
		ev := events.MustNew(events.TypeNodeResumed, events.AggregateNode, node.ID, adminActor, "", events.NodeResumed{By: adminActor})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNode, node.ID, node.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	node, _ := s.state.NodeByID(id)
	s.logger.Printf("✅ Resumed node %s (%s)", node.Hostname, node.ID)
	writeJSON(w, http.StatusOK, node)
}

// handleNodeRevoke terminates a node: its address enters cool-down and its
// public key joins the blacklist, both carried by the same commit.
func (s *Server) handleNodeRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason, ok := readReason(w, r)
	if !ok {
		return
	}

	err := s.committer.Locked(func() error {
		node, ok := s.state.NodeByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node not found")
		}
		if _, err := core.Transition(node.Status, core.StatusRevoked); err != nil {
			return err
		}

		evs := []*events.Event{
			events.MustNew(events.TypeNodeRevoked, events.AggregateNode, node.ID, adminActor, "", events.NodeRevoked{
				Reason:    reason,
				By:        adminActor,
				PublicKey: node.PublicKey,
			}),
		}
		if node.OverlayIP != "" {
			evs = append(evs, events.MustNew(events.TypeIPReleased, events.AggregateIPAM, node.OverlayIP, adminActor, "", events.IPReleased{
				IP:            node.OverlayIP,
				OwnerID:       node.ID,
				CoolDownUntil: s.alloc.CooldownUntil(time.Now().UTC()),
			}))
		}
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNode, node.ID, node.Version), evs...)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	node, _ := s.state.NodeByID(id)
	s.logger.Printf("🔒 Revoked node %s (%s)", node.Hostname, node.ID)
	writeJSON(w, http.StatusOK, node)
}

type rotateRequestBody struct {
	Deadline time.Time `json:"deadline,omitempty"`
}

// handleNodeRotateKey asks a node to generate a new keypair by its next
// sync. The node completes the rotation through the agent endpoint.
func (s *Server) handleNodeRotateKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	deadline := time.Now().UTC().Add(rotateKeyGrace)
	if r.ContentLength != 0 {
		var req rotateRequestBody
		if !decodeJSON(w, r, &req) {
			return
		}
		if !req.Deadline.IsZero() {
			if req.Deadline.Before(time.Now()) {
				writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_DEADLINE", "deadline is in the past"))
				return
			}
			deadline = req.Deadline.UTC()
		}
	}

	err := s.committer.Locked(func() error {
		node, ok := s.state.NodeByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node not found")
		}
		if node.Status.IsTerminal() {
			return core.Errorf(core.KindConflict, "NODE_REVOKED", "node %s is revoked", node.ID)
		}
		ev := events.MustNew(events.TypeNodeKeyRotationRequested, events.AggregateNode, node.ID, adminActor, "", events.NodeKeyRotationRequested{
			Deadline: deadline,
			By:       adminActor,
		})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNode, node.ID, node.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"node_id": id, "rotate_key_by": deadline})
}

func (s *Server) handleNodeTrust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	node, ok := s.state.NodeByID(id)
	if !ok {
		writeError(w, core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node not found"))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": node.ID,
		"current": map[string]interface{}{
			"score":  node.TrustScore,
			"risk":   trust.RiskFor(node.TrustScore),
			"action": node.TrustAction,
		},
		"history": s.state.TrustHistory(node.ID, limit),
	})
}

// --- Network policies ---

type networkPolicyRequest struct {
	Name     string               `json:"name,omitempty"`
	SrcRole  core.Role            `json:"src_role"`
	DstRole  core.Role            `json:"dst_role"`
	Protocol core.Protocol        `json:"protocol"`
	Port     string               `json:"port,omitempty"`
	Action   core.FirewallVerdict `json:"action"`
	Priority int                  `json:"priority"`
	Enabled  *bool                `json:"enabled,omitempty"`
}

func (req *networkPolicyRequest) toPolicy(id string) core.NetworkPolicy {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return core.NetworkPolicy{
		ID:       id,
		Name:     req.Name,
		SrcRole:  req.SrcRole,
		DstRole:  req.DstRole,
		Protocol: req.Protocol,
		Port:     req.Port,
		Action:   req.Action,
		Priority: req.Priority,
		Enabled:  enabled,
	}
}

func networkPolicyChange(p core.NetworkPolicy) events.NetworkPolicyChange {
	return events.NetworkPolicyChange{
		Name:     p.Name,
		SrcRole:  p.SrcRole,
		DstRole:  p.DstRole,
		Protocol: p.Protocol,
		Port:     p.Port,
		Action:   p.Action,
		Priority: p.Priority,
		Enabled:  p.Enabled,
	}
}

func (s *Server) handleNetworkPolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req networkPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := uuid.New().String()
	p := req.toPolicy(id)
	if err := policy.ValidateNetworkPolicy(p); err != nil {
		writeError(w, err)
		return
	}

	ev := events.MustNew(events.TypeNetworkPolicyCreated, events.AggregateNetworkPolicy, id, adminActor, "", networkPolicyChange(p))
	if _, err := s.committer.Commit(r.Context(), eventstore.Expect(events.AggregateNetworkPolicy, id, 0), ev); err != nil {
		writeError(w, err)
		return
	}
	created, _ := s.state.NetworkPolicyByID(id)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleNetworkPolicyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": s.state.ListNetworkPolicies()})
}

func (s *Server) handleNetworkPolicyGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.state.NetworkPolicyByID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, core.Errorf(core.KindNotFound, "POLICY_NOT_FOUND", "network policy not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleNetworkPolicyUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req networkPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := req.toPolicy(id)
	if err := policy.ValidateNetworkPolicy(p); err != nil {
		writeError(w, err)
		return
	}

	err := s.committer.Locked(func() error {
		current, ok := s.state.NetworkPolicyByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "POLICY_NOT_FOUND", "network policy not found")
		}
		ev := events.MustNew(events.TypeNetworkPolicyUpdated, events.AggregateNetworkPolicy, id, adminActor, "", networkPolicyChange(p))
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNetworkPolicy, id, current.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	updated, _ := s.state.NetworkPolicyByID(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleNetworkPolicyDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.committer.Locked(func() error {
		current, ok := s.state.NetworkPolicyByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "POLICY_NOT_FOUND", "network policy not found")
		}
		ev := events.MustNew(events.TypeNetworkPolicyDeleted, events.AggregateNetworkPolicy, id, adminActor, "", events.NetworkPolicyDeleted{By: adminActor})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateNetworkPolicy, id, current.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Webhooks ---

type webhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events,omitempty"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_URL", "url must be absolute http(s)"))
		return
	}
	if req.Secret == "" {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_SECRET", "a signing secret is required"))
		return
	}

	id := uuid.New().String()
	ev := events.MustNew(events.TypeWebhookEndpointCreated, events.AggregateWebhook, id, adminActor, "", events.WebhookEndpointCreated{
		URL:    req.URL,
		Secret: req.Secret,
		Events: req.Events,
	})
	if _, err := s.committer.Commit(r.Context(), eventstore.Expect(events.AggregateWebhook, id, 0), ev); err != nil {
		writeError(w, err)
		return
	}
	created, _ := s.state.WebhookByID(id)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": s.state.ListWebhooks()})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.committer.Locked(func() error {
		current, ok := s.state.WebhookByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "WEBHOOK_NOT_FOUND", "webhook not found")
		}
		ev := events.MustNew(events.TypeWebhookEndpointDeleted, events.AggregateWebhook, id, adminActor, "", events.WebhookEndpointDeleted{By: adminActor})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateWebhook, id, current.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Status and audit ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	nodeTotal, nodeFree := s.alloc.Capacity(ipam.PoolNode, now)
	clientTotal, clientFree := s.alloc.Capacity(ipam.PoolClient, now)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":         s.state.Snapshot(),
		"last_event_id": s.state.LastAppliedID(),
		"pools": map[string]interface{}{
			"node":   map[string]int{"total": nodeTotal, "free": nodeFree},
			"client": map[string]int{"total": clientTotal, "free": clientFree},
		},
		"overlay":        s.alloc.NetworkCIDR(),
		"uptime_seconds": int64(now.Sub(s.started).Seconds()),
		"server_time":    now,
	})
}

// handleAudit queries the event log. Filters: aggregate_type, aggregate_id,
// type, since_id, limit (default 100, max 1000). Aggregate queries use the
// per-stream index; everything else scans from the cursor.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sinceID := int64(0)
	if v := q.Get("since_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_CURSOR", "since_id must be a non-negative integer"))
			return
		}
		sinceID = n
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_LIMIT", "limit must be in [1,1000]"))
			return
		}
		limit = n
	}

	var (
		evs []*events.Event
		err error
	)
	aggType, aggID := q.Get("aggregate_type"), q.Get("aggregate_id")
	if aggType != "" && aggID != "" {
		evs, err = s.store.ReadAggregate(r.Context(), aggType, aggID)
	} else {
		evs, err = s.store.ReadFrom(r.Context(), sinceID, 0)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	typeFilter := events.Type(q.Get("type"))
	out := make([]*events.Event, 0, limit)
	for _, ev := range evs {
		if ev.ID <= sinceID {
			continue
		}
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		if aggType != "" && ev.AggregateType != aggType {
			continue
		}
		if aggID != "" && ev.AggregateID != aggID {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out, "count": len(out)})
}

func (s *Server) handleAuditRoot(w http.ResponseWriter, r *http.Request) {
	evs, err := s.store.ReadFrom(r.Context(), 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventstore.ComputeAuditRoot(evs))
}
