// Package trust computes the per-node trust score that drives policy
// narrowing and automatic isolation. The score is a weighted sum of four
// sub-scores, each normalized to [0,100]:
//
//	score = 0.30·role_weight + 0.25·device_health + 0.25·behavior + 0.20·security_events
//
// Role weight is static per role. Device health and behavior come from the
// vitals the agent ships with each heartbeat. Security events come from the
// agent's watcher reports inside a sliding window. The composite maps to a
// risk level (low/medium/high/critical) and an action (allow/restrict/
// isolate); critical forces the node into suspended.
package trust

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/projection"
)

// Risk levels derived from the composite score.
const (
	RiskLow      = "low"      // score >= 80
	RiskMedium   = "medium"   // score >= 60
	RiskHigh     = "high"     // score >= 40
	RiskCritical = "critical" // score < 40
)

// Actions taken per risk level.
const (
	ActionAllow    = "allow"
	ActionRestrict = "restrict"
	ActionIsolate  = "isolate"
)

// Actor recorded on events the engine emits on its own authority.
const Actor = "trust-engine"

// roleWeights is the static trust baseline per role. Infrastructure roles
// rank above workloads; end-user clients rank lowest.
var roleWeights = map[core.Role]int{
	core.RoleOps:     100,
	core.RoleHub:     95,
	core.RoleDB:      85,
	core.RoleApp:     75,
	core.RoleGateway: 70,
	core.RoleMonitor: 65,
	core.RoleClient:  50,
}

// securityPenalties maps a watcher report kind to the points it removes
// from the security sub-score while inside the window.
var securityPenalties = map[string]int{
	core.ReportSSHBruteForce:      40,
	core.ReportSSHFailedLogins:    15,
	core.ReportPortScan:           30,
	core.ReportBlockedConnections: 20,
	core.ReportHandshakeFailures:  25,
	core.ReportSuspiciousProcess:  50,
}

// sshFailedThreshold is how many failed logins inside the window are
// tolerated before the ssh_failed_logins penalty applies.
const sshFailedThreshold = 5

// handshakeDegradedMs marks tunnel handshake latency as degraded.
const handshakeDegradedMs = 500

// Config tunes the engine. Zero values pick the defaults.
type Config struct {
	// Window is the lookback for security reports.
	Window time.Duration

	// HeartbeatSLA is the largest heartbeat gap that still counts as
	// regular check-in.
	HeartbeatSLA time.Duration
}

// Breakdown is one scoring result with its weighted parts.
type Breakdown struct {
	Score  int
	Risk   string
	Action string
	Inputs map[string]int
}

// Engine scores nodes against the live projection and appends
// TrustScoreChanged events through the committer. It keeps the volatile
// security-report window itself; reports are telemetry, not history.
type Engine struct {
	mu      sync.Mutex
	reports map[string][]core.SecurityReport

	state     *projection.State
	committer *eventstore.Committer
	config    Config
	logger    *log.Logger
}

// NewEngine wires the engine to the projection and the commit path.
func NewEngine(state *projection.State, committer *eventstore.Committer, cfg Config) *Engine {
	if cfg.Window == 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.HeartbeatSLA == 0 {
		cfg.HeartbeatSLA = 5 * time.Minute
	}
	return &Engine{
		reports:   make(map[string][]core.SecurityReport),
		state:     state,
		committer: committer,
		config:    cfg,
		logger:    log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}
}

// ===== report window =====

// RecordReports appends watcher reports to the node's sliding window.
// Reports without a timestamp are stamped with now.
func (e *Engine) RecordReports(nodeID string, reports []core.SecurityReport) {
	if len(reports) == 0 {
		return
	}
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range reports {
		if r.At.IsZero() {
			r.At = now
		}
		e.reports[nodeID] = append(e.reports[nodeID], r)
	}
	e.pruneLocked(nodeID, now)
}

// Reports returns the node's reports still inside the window.
func (e *Engine) Reports(nodeID string) []core.SecurityReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(nodeID, time.Now().UTC())
	out := make([]core.SecurityReport, len(e.reports[nodeID]))
	copy(out, e.reports[nodeID])
	return out
}

// Forget drops a node's window, used when the node is revoked.
func (e *Engine) Forget(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reports, nodeID)
}

func (e *Engine) pruneLocked(nodeID string, now time.Time) {
	cutoff := now.Add(-e.config.Window)
	in := e.reports[nodeID]
	kept := in[:0]
	for _, r := range in {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(e.reports, nodeID)
		return
	}
	e.reports[nodeID] = kept
}

// ===== sub-scores =====

// RoleWeight returns the static baseline for a role, 50 for unknown roles.
func RoleWeight(role core.Role) int {
	if w, ok := roleWeights[role]; ok {
		return w
	}
	return 50
}

// deviceHealth scores the latest vitals. Missing vitals score neutral.
func (e *Engine) deviceHealth(v core.Vitals, seen bool) int {
	if !seen {
		return 100
	}
	score := 100
	switch {
	case v.CPUPercent > 95:
		score -= 40
	case v.CPUPercent > 85:
		score -= 20
	case v.CPUPercent > 70:
		score -= 10
	}
	switch {
	case v.MemPercent > 95:
		score -= 30
	case v.MemPercent > 85:
		score -= 15
	}
	switch {
	case v.DiskPercent > 95:
		score -= 25
	case v.DiskPercent > 85:
		score -= 10
	}
	if len(v.SuspiciousProcesses) > 0 {
		score -= 50
	}
	if v.PatchAgeDays > 90 {
		score -= 15
	}
	return clamp(score)
}

// behavior scores check-in regularity and connection patterns.
func (e *Engine) behavior(l projection.Liveness, seen bool, now time.Time) int {
	if !seen {
		return 100
	}
	score := 100
	if now.Sub(l.At) > e.config.HeartbeatSLA {
		score -= 20
	}
	if l.Vitals.OpenConns > 500 {
		score -= 30
	}
	if l.Vitals.TimeWaitConns > 100 {
		score -= 20
	}
	if l.Vitals.HandshakeLatencyMs > handshakeDegradedMs {
		score -= 10
	}
	return clamp(score)
}

// securityScore folds the report window. Each distinct kind present costs
// its penalty once; ssh_failed_logins only past the tolerated threshold.
func (e *Engine) securityScore(nodeID string, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(nodeID, now)

	counts := make(map[string]int)
	for _, r := range e.reports[nodeID] {
		n := r.Count
		if n <= 0 {
			n = 1
		}
		counts[r.Kind] += n
	}

	score := 100
	for kind, n := range counts {
		penalty, ok := securityPenalties[kind]
		if !ok {
			continue
		}
		if kind == core.ReportSSHFailedLogins && n <= sshFailedThreshold {
			continue
		}
		score -= penalty
	}
	return clamp(score)
}

// ===== composite =====

// ScoreNode computes the breakdown for a node without emitting anything.
func (e *Engine) ScoreNode(node core.Node, now time.Time) Breakdown {
	live, seen := e.state.LastHeartbeat(node.ID)

	rw := RoleWeight(node.Role)
	dh := e.deviceHealth(live.Vitals, seen)
	bh := e.behavior(live, seen, now)
	se := e.securityScore(node.ID, now)

	score := int(0.30*float64(rw) + 0.25*float64(dh) + 0.25*float64(bh) + 0.20*float64(se) + 0.5)
	risk := RiskFor(score)

	return Breakdown{
		Score:  score,
		Risk:   risk,
		Action: ActionFor(risk),
		Inputs: map[string]int{
			"role_weight":     rw,
			"device_health":   dh,
			"behavior":        bh,
			"security_events": se,
		},
	}
}

// RiskFor buckets a composite score.
func RiskFor(score int) string {
	switch {
	case score >= 80:
		return RiskLow
	case score >= 60:
		return RiskMedium
	case score >= 40:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// ActionFor maps a risk level to the enforcement action.
func ActionFor(risk string) string {
	switch risk {
	case RiskLow, RiskMedium:
		return ActionAllow
	case RiskHigh:
		return ActionRestrict
	default:
		return ActionIsolate
	}
}

// Evaluate recomputes a node's score and appends TrustScoreChanged when it
// moved. A critical result on an active node also appends NodeSuspended, so
// the next compile drops it from every peer list. Identical consecutive
// scores are suppressed to bound log volume.
func (e *Engine) Evaluate(ctx context.Context, nodeID string) (*core.TrustSnapshot, error) {
	now := time.Now().UTC()

	var snap *core.TrustSnapshot
	err := e.committer.Locked(func() error {
		node, ok := e.state.NodeByID(nodeID)
		if !ok {
			return core.Errorf(core.KindNotFound, "NODE_NOT_FOUND", "node %s not found", nodeID)
		}
		if node.Status == core.StatusRevoked {
			return core.Errorf(core.KindConflict, "NODE_REVOKED", "node %s is revoked", nodeID)
		}

		b := e.ScoreNode(node, now)

		snap = &core.TrustSnapshot{
			NodeID:       node.ID,
			Score:        b.Score,
			Previous:     node.TrustScore,
			Risk:         b.Risk,
			Action:       b.Action,
			Inputs:       b.Inputs,
			CalculatedAt: now,
		}

		// TrustAction empty means the node was never scored; always emit
		// the first result even when it matches the zero score.
		if node.TrustAction != "" && b.Score == node.TrustScore {
			return nil
		}

		evs := []*events.Event{
			events.MustNew(events.TypeTrustScoreChanged, events.AggregateNode, node.ID, Actor, "", events.TrustScoreChanged{
				Score:    b.Score,
				Previous: node.TrustScore,
				Risk:     b.Risk,
				Action:   b.Action,
				Inputs:   b.Inputs,
			}),
		}
		if b.Action == ActionIsolate && node.Status == core.StatusActive {
			e.logger.Printf("⚠️ node %s (%s) fell to %d (%s), isolating", node.Hostname, node.ID, b.Score, b.Risk)
			evs = append(evs, events.MustNew(events.TypeNodeSuspended, events.AggregateNode, node.ID, Actor, "", events.NodeSuspended{
				Reason: "trust score critical",
				By:     Actor,
			}))
		}

		_, err := e.committer.CommitLocked(ctx, eventstore.Expect(events.AggregateNode, node.ID, node.Version), evs...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
