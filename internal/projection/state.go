// Package projection folds the event log into the in-memory read model the
// API and the plan compilers serve from. Every lookup the hot paths need is
// an index held under one RWMutex; replaying the same log always produces
// the same state.
//
// Heartbeat liveness deliberately lives outside the folded state, in a
// concurrent map: heartbeats are volatile telemetry, not history, and must
// not affect replay determinism.
package projection

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ztmesh/ztmesh/internal/core"
)

// Owner names who holds an overlay address.
type Owner struct {
	Type string // node | client_device
	ID   string
}

// Lease is the projection of one allocated overlay address.
type Lease struct {
	IP          string
	Owner       Owner
	Pool        string // node | client
	AllocatedAt time.Time
}

// Liveness is the volatile per-node heartbeat record.
type Liveness struct {
	At     time.Time
	Vitals core.Vitals
}

const trustHistoryCap = 500

// State is the materialized view. All maps are guarded by mu except
// liveness, which is concurrent and excluded from replay.
type State struct {
	mu sync.RWMutex

	nodes       map[string]*core.Node
	byHostname  map[string]string
	byPublicKey map[string]string
	blacklist   map[string]bool

	users   map[string]*core.User
	byEmail map[string]string
	groups  map[string]*core.Group

	accessPolicies  map[string]*core.AccessPolicy
	networkPolicies map[string]*core.NetworkPolicy
	accessOrder     map[string]int64 // policy id -> creating event id
	networkOrder    map[string]int64

	devices       map[string]*core.ClientDevice
	deviceByToken map[string]string
	devicesByUser map[string]map[string]bool

	leases    map[string]*Lease
	byOwner   map[string]string // owner id -> ip
	cooldowns map[string]time.Time

	webhooks map[string]*core.WebhookEndpoint

	trustHistory map[string][]core.TrustSnapshot

	lastExhausted map[string]time.Time // pool -> last IpamExhausted

	lastAppliedID int64

	liveness *xsync.Map[string, Liveness]
}

// NewState returns an empty projection.
func NewState() *State {
	return &State{
		nodes:           make(map[string]*core.Node),
		byHostname:      make(map[string]string),
		byPublicKey:     make(map[string]string),
		blacklist:       make(map[string]bool),
		users:           make(map[string]*core.User),
		byEmail:         make(map[string]string),
		groups:          make(map[string]*core.Group),
		accessPolicies:  make(map[string]*core.AccessPolicy),
		networkPolicies: make(map[string]*core.NetworkPolicy),
		accessOrder:     make(map[string]int64),
		networkOrder:    make(map[string]int64),
		devices:         make(map[string]*core.ClientDevice),
		deviceByToken:   make(map[string]string),
		devicesByUser:   make(map[string]map[string]bool),
		leases:          make(map[string]*Lease),
		byOwner:         make(map[string]string),
		cooldowns:       make(map[string]time.Time),
		webhooks:        make(map[string]*core.WebhookEndpoint),
		trustHistory:    make(map[string][]core.TrustSnapshot),
		lastExhausted:   make(map[string]time.Time),
		liveness:        xsync.NewMap[string, Liveness](),
	}
}

// ===== node lookups =====

// NodeByID returns a copy, false when absent.
func (s *State) NodeByID(id string) (core.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return core.Node{}, false
	}
	return *n, true
}

func (s *State) NodeByHostname(hostname string) (core.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHostname[hostname]
	if !ok {
		return core.Node{}, false
	}
	return *s.nodes[id], true
}

func (s *State) NodeByPublicKey(key string) (core.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPublicKey[key]
	if !ok {
		return core.Node{}, false
	}
	return *s.nodes[id], true
}

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	Status core.Status
	Role   core.Role
}

// ListNodes returns copies sorted by hostname.
func (s *State) ListNodes(f NodeFilter) []core.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.Role != "" && n.Role != f.Role {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Hub returns the active hub node, false when none is approved yet.
func (s *State) Hub() (core.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Role == core.RoleHub && n.Status == core.StatusActive {
			return *n, true
		}
	}
	return core.Node{}, false
}

// KeyBlacklisted reports whether a public key was revoked or rotated away.
func (s *State) KeyBlacklisted(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blacklist[key]
}

// ===== user and group lookups =====

func (s *State) UserByID(id string) (core.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return core.User{}, false
	}
	return *u, true
}

func (s *State) UserByEmail(email string) (core.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return core.User{}, false
	}
	return *s.users[id], true
}

func (s *State) ListUsers() []core.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func (s *State) GroupByID(id string) (core.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return core.Group{}, false
	}
	return copyGroup(g), true
}

func (s *State) ListGroups() []core.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, copyGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GroupsForUser returns the IDs of every group containing the user.
func (s *State) GroupsForUser(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, g := range s.groups {
		for _, m := range g.Members {
			if m == userID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func copyGroup(g *core.Group) core.Group {
	out := *g
	out.Members = append([]string(nil), g.Members...)
	return out
}

// ===== policy lookups =====

func (s *State) AccessPolicyByID(id string) (core.AccessPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.accessPolicies[id]
	if !ok {
		return core.AccessPolicy{}, false
	}
	return *p, true
}

// ListAccessPolicies returns copies in insertion order (the global ID of
// the creating event), which the compiler relies on for its final tiebreak.
func (s *State) ListAccessPolicies() []core.AccessPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.AccessPolicy, 0, len(s.accessPolicies))
	for _, p := range s.accessPolicies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return s.accessOrder[out[i].ID] < s.accessOrder[out[j].ID] })
	return out
}

func (s *State) NetworkPolicyByID(id string) (core.NetworkPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.networkPolicies[id]
	if !ok {
		return core.NetworkPolicy{}, false
	}
	return *p, true
}

func (s *State) ListNetworkPolicies() []core.NetworkPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.NetworkPolicy, 0, len(s.networkPolicies))
	for _, p := range s.networkPolicies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return s.networkOrder[out[i].ID] < s.networkOrder[out[j].ID] })
	return out
}

// ===== client device lookups =====

// Device reads mask expiry: a device whose window closed reads as revoked
// even before the expiry sweep commits the revocation event. The folded
// state keeps the raw status so replay stays deterministic; only the copies
// handed out here are adjusted.
func maskExpiry(d core.ClientDevice, now time.Time) core.ClientDevice {
	if d.Status == core.StatusActive && d.Expired(now) {
		d.Status = core.StatusRevoked
	}
	return d
}

func (s *State) DeviceByID(id string) (core.ClientDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return core.ClientDevice{}, false
	}
	return maskExpiry(*d, time.Now().UTC()), true
}

func (s *State) DeviceByTokenHash(hash string) (core.ClientDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.deviceByToken[hash]
	if !ok {
		return core.ClientDevice{}, false
	}
	return maskExpiry(*s.devices[id], time.Now().UTC()), true
}

func (s *State) ListDevicesByUser(userID string) []core.ClientDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var out []core.ClientDevice
	for id := range s.devicesByUser[userID] {
		out = append(out, maskExpiry(*s.devices[id], now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *State) ListDevices() []core.ClientDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	out := make([]core.ClientDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, maskExpiry(*d, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpiredDevices returns unmasked copies of devices whose window closed but
// whose folded status is still active. The expiry sweeper revokes exactly
// these; the masked lookups above would hide them behind StatusRevoked.
func (s *State) ExpiredDevices(now time.Time) []core.ClientDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ClientDevice
	for _, d := range s.devices {
		if d.Status == core.StatusActive && d.Expired(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveDeviceCount counts a user's devices that hold a slot against the
// per-user cap. Expired devices stopped counting the moment their window
// closed, matching what the masked lookups report.
func (s *State) ActiveDeviceCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	n := 0
	for id := range s.devicesByUser[userID] {
		d := s.devices[id]
		if d.Status == core.StatusActive && !d.Expired(now) {
			n++
		}
	}
	return n
}

// ===== IPAM lookups =====

// LeaseByIP returns the active lease, false when the address is free.
func (s *State) LeaseByIP(ip string) (Lease, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[ip]
	if !ok {
		return Lease{}, false
	}
	return *l, true
}

// LeaseByOwner returns the address held by a node or device.
func (s *State) LeaseByOwner(ownerID string) (Lease, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ip, ok := s.byOwner[ownerID]
	if !ok {
		return Lease{}, false
	}
	return *s.leases[ip], true
}

// CooldownUntil reports when a released address becomes assignable again.
func (s *State) CooldownUntil(ip string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cooldowns[ip]
	return t, ok
}

// IPUnavailable reports whether ip is leased or cooling down at now.
func (s *State) IPUnavailable(ip string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, leased := s.leases[ip]; leased {
		return true
	}
	if until, ok := s.cooldowns[ip]; ok && now.Before(until) {
		return true
	}
	return false
}

// LeaseCount returns active lease totals per pool.
func (s *State) LeaseCount(pool string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.leases {
		if l.Pool == pool {
			n++
		}
	}
	return n
}

// LastExhausted returns the time of the pool's last exhaustion event, used
// to throttle repeats to one per hour.
func (s *State) LastExhausted(pool string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastExhausted[pool]
	return t, ok
}

// ===== webhooks =====

func (s *State) WebhookByID(id string) (core.WebhookEndpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.webhooks[id]
	if !ok {
		return core.WebhookEndpoint{}, false
	}
	return copyWebhook(w), true
}

func (s *State) ListWebhooks() []core.WebhookEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.WebhookEndpoint, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		out = append(out, copyWebhook(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyWebhook(w *core.WebhookEndpoint) core.WebhookEndpoint {
	out := *w
	out.Events = append([]string(nil), w.Events...)
	return out
}

// ===== trust history =====

// TrustHistory returns the most recent limit snapshots, newest first.
func (s *State) TrustHistory(nodeID string, limit int) []core.TrustSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.trustHistory[nodeID]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]core.TrustSnapshot, limit)
	for i := 0; i < limit; i++ {
		out[i] = hist[len(hist)-1-i]
	}
	return out
}

// ===== liveness (volatile) =====

// RecordHeartbeat stores the latest vitals for a node. Not event-sourced.
func (s *State) RecordHeartbeat(nodeID string, at time.Time, v core.Vitals) {
	s.liveness.Store(nodeID, Liveness{At: at, Vitals: v})
}

// LastHeartbeat returns the latest liveness record.
func (s *State) LastHeartbeat(nodeID string) (Liveness, bool) {
	return s.liveness.Load(nodeID)
}

// EachLiveness visits every liveness record.
func (s *State) EachLiveness(fn func(nodeID string, l Liveness) bool) {
	s.liveness.Range(fn)
}

// ===== bookkeeping =====

// LastAppliedID is the ID of the newest folded event.
func (s *State) LastAppliedID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAppliedID
}

// Stats summarizes the projection for the status endpoint.
type Stats struct {
	Nodes           int `json:"nodes"`
	ActiveNodes     int `json:"active_nodes"`
	PendingNodes    int `json:"pending_nodes"`
	Users           int `json:"users"`
	Groups          int `json:"groups"`
	AccessPolicies  int `json:"access_policies"`
	NetworkPolicies int `json:"network_policies"`
	ClientDevices   int `json:"client_devices"`
	ActiveLeases    int `json:"active_leases"`
	Webhooks        int `json:"webhooks"`
}

func (s *State) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Nodes:           len(s.nodes),
		Users:           len(s.users),
		Groups:          len(s.groups),
		AccessPolicies:  len(s.accessPolicies),
		NetworkPolicies: len(s.networkPolicies),
		ClientDevices:   len(s.devices),
		ActiveLeases:    len(s.leases),
		Webhooks:        len(s.webhooks),
	}
	for _, n := range s.nodes {
		switch n.Status {
		case core.StatusActive:
			st.ActiveNodes++
		case core.StatusPending:
			st.PendingNodes++
		}
	}
	return st
}
