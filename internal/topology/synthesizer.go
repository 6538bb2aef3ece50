// Package topology synthesizes the per-node plan: the WireGuard interface
// block, the peer list, and the firewall rows, plus the content hash agents
// use to short-circuit unchanged syncs. Plans are a pure function of the
// projection, so they are cached per node and invalidated by event id or by
// the next client device expiry, whichever comes first.
package topology

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/projection"
)

const keepaliveSeconds = 25

// Interface is the [Interface] block of a plan. PrivateKey stays empty for
// nodes, which hold their own keys; only client device profiles embed one.
type Interface struct {
	Address    string   `json:"address"`
	PrivateKey string   `json:"private_key,omitempty"`
	ListenPort int      `json:"listen_port,omitempty"`
	DNS        []string `json:"dns,omitempty"`
}

// Peer is one [Peer] block.
type Peer struct {
	PublicKey  string   `json:"public_key"`
	Endpoint   string   `json:"endpoint,omitempty"`
	AllowedIPs []string `json:"allowed_ips"`
	Keepalive  int      `json:"keepalive,omitempty"`
}

// Plan is the full desired state for one node.
type Plan struct {
	Interface     Interface     `json:"interface"`
	Peers         []Peer        `json:"peers"`
	FirewallRules []policy.Rule `json:"firewall_rules"`
}

// Hash is the SHA-256 of the plan's canonical JSON encoding. Peers and
// rules are already emitted in deterministic order, so marshaling the
// struct is canonical.
func (p *Plan) Hash() string {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("plan marshal cannot fail: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// cachedPlan holds one built plan. staleAt is the earliest expiry among the
// client devices the plan includes; past it the peer set shrinks without any
// event being appended, so the entry stops being servable.
type cachedPlan struct {
	lastID  int64
	plan    *Plan
	hash    string
	staleAt time.Time
}

// Synthesizer builds plans from the projection and the compiled network
// table.
type Synthesizer struct {
	state  *projection.State
	alloc  *ipam.Allocator
	wgPort int
	cache  *xsync.Map[string, cachedPlan]
}

func NewSynthesizer(state *projection.State, alloc *ipam.Allocator, wgPort int) *Synthesizer {
	return &Synthesizer{
		state:  state,
		alloc:  alloc,
		wgPort: wgPort,
		cache:  xsync.NewMap[string, cachedPlan](),
	}
}

// PlanFor returns the node's current plan and its hash. Cached plans are
// reused until another event is folded into the projection or a device the
// plan carries passes its expiry.
func (s *Synthesizer) PlanFor(node core.Node) (*Plan, string, error) {
	lastID := s.state.LastAppliedID()
	now := time.Now().UTC()
	if hit, ok := s.cache.Load(node.ID); ok && hit.lastID == lastID &&
		(hit.staleAt.IsZero() || now.Before(hit.staleAt)) {
		return hit.plan, hit.hash, nil
	}

	plan, staleAt, err := s.build(node)
	if err != nil {
		return nil, "", err
	}
	hash := plan.Hash()
	s.cache.Store(node.ID, cachedPlan{lastID: lastID, plan: plan, hash: hash, staleAt: staleAt})
	return plan, hash, nil
}

func (s *Synthesizer) build(node core.Node) (*Plan, time.Time, error) {
	if node.OverlayIP == "" {
		return nil, time.Time{}, core.Errorf(core.KindInvariant, "NODE_WITHOUT_ADDRESS",
			"node %s has no overlay address", node.ID)
	}

	table := policy.CompileTable(s.state)
	peers, staleAt := s.peersFor(node, table)
	plan := &Plan{
		Interface: Interface{
			Address:    fmt.Sprintf("%s/%d", node.OverlayIP, s.alloc.PrefixLen()),
			ListenPort: s.wgPort,
		},
		Peers:         peers,
		FirewallRules: policy.RulesForNode(s.state, node, table),
	}
	return plan, staleAt, nil
}

// peersFor implements the hub-and-spoke posture. The hub carries every
// active node and every active client device as a /32 peer. A spoke always
// carries the hub first with the whole overlay routed through it, then any
// directly reachable peers as /32; a node under restrict keeps the hub only.
// The returned time is when the peer set next changes without an event: the
// earliest expiry among included devices, zero for spokes.
func (s *Synthesizer) peersFor(node core.Node, table []core.NetworkPolicy) ([]Peer, time.Time) {
	if node.Role == core.RoleHub {
		return s.hubPeers(node)
	}

	peers := make([]Peer, 0, 4)
	hub, hubUp := s.state.Hub()
	if hubUp && hub.ID != node.ID {
		peers = append(peers, Peer{
			PublicKey:  hub.PublicKey,
			Endpoint:   endpointOf(hub, s.wgPort),
			AllowedIPs: []string{s.alloc.NetworkCIDR()},
			Keepalive:  keepaliveSeconds,
		})
	}
	if node.TrustAction == "restrict" {
		return peers, time.Time{}
	}

	var direct []Peer
	for _, other := range s.state.ListNodes(projection.NodeFilter{Status: core.StatusActive}) {
		if other.ID == node.ID || other.Role == core.RoleHub || other.OverlayIP == "" {
			continue
		}
		if other.TrustAction == "restrict" {
			continue
		}
		// The firewall enforces direction; the tunnel needs both ends to
		// know each other, so either direction of reachability peers them.
		if !rolesReach(table, node.Role, other.Role) && !rolesReach(table, other.Role, node.Role) {
			continue
		}
		direct = append(direct, Peer{
			PublicKey:  other.PublicKey,
			Endpoint:   endpointOf(other, s.wgPort),
			AllowedIPs: []string{other.OverlayIP + "/32"},
		})
	}
	sort.Slice(direct, func(i, j int) bool { return direct[i].PublicKey < direct[j].PublicKey })
	return append(peers, direct...), time.Time{}
}

func (s *Synthesizer) hubPeers(hub core.Node) ([]Peer, time.Time) {
	var peers []Peer
	for _, other := range s.state.ListNodes(projection.NodeFilter{Status: core.StatusActive}) {
		if other.ID == hub.ID || other.OverlayIP == "" {
			continue
		}
		peers = append(peers, Peer{
			PublicKey:  other.PublicKey,
			Endpoint:   endpointOf(other, s.wgPort),
			AllowedIPs: []string{other.OverlayIP + "/32"},
			Keepalive:  keepaliveSeconds,
		})
	}
	// ListDevices reads expired devices as revoked, so the status filter
	// drops them the moment their window closes.
	var staleAt time.Time
	for _, d := range s.state.ListDevices() {
		if d.Status != core.StatusActive || d.OverlayIP == "" {
			continue
		}
		if !d.ExpiresAt.IsZero() && (staleAt.IsZero() || d.ExpiresAt.Before(staleAt)) {
			staleAt = d.ExpiresAt
		}
		peers = append(peers, Peer{
			PublicKey:  d.PublicKey,
			AllowedIPs: []string{d.OverlayIP + "/32"},
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PublicKey < peers[j].PublicKey })
	return peers, staleAt
}

// HubPeerForClient is the single peer a client device profile carries. Full
// tunnel mode routes everything through the hub, split mode only the
// overlay.
func (s *Synthesizer) HubPeerForClient(mode core.TunnelMode) (Peer, error) {
	hub, ok := s.state.Hub()
	if !ok {
		return Peer{}, core.Errorf(core.KindConflict, "NO_ACTIVE_HUB", "no active hub node")
	}
	allowed := []string{s.alloc.NetworkCIDR()}
	if mode == core.TunnelFull {
		allowed = []string{"0.0.0.0/0", "::/0"}
	}
	return Peer{
		PublicKey:  hub.PublicKey,
		Endpoint:   endpointOf(hub, s.wgPort),
		AllowedIPs: allowed,
		Keepalive:  keepaliveSeconds,
	}, nil
}

// rolesReach walks the table in enforcement order and reports whether the
// first rule covering src->dst accepts. No covering rule means the closing
// drop wins.
func rolesReach(table []core.NetworkPolicy, src, dst core.Role) bool {
	for _, p := range table {
		if (p.SrcRole == policy.AnyRole || p.SrcRole == src) &&
			(p.DstRole == policy.AnyRole || p.DstRole == dst) {
			return p.Action == core.VerdictAccept
		}
	}
	return false
}

func endpointOf(n core.Node, wgPort int) string {
	if n.RealIP == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", n.RealIP, wgPort)
}
