package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/policy"
	"github.com/ztmesh/ztmesh/internal/topology"
	"github.com/ztmesh/ztmesh/internal/wireguard"
)

const (
	defaultTick = 60 * time.Second

	// Server-suggested intervals outside this window are clamped.
	minTick = 15 * time.Second
	maxTick = 300 * time.Second

	// Hub silence longer than this ends up in the heartbeat as a
	// wireguard_handshake_failures report.
	staleHandshakeAfter = 5 * time.Minute
)

// errShutdown ends the run loop cleanly on a shutdown directive.
var errShutdown = errors.New("shutdown directive")

// Tunnel is the overlay link under the loop's control. Implemented by
// *wireguard.Manager.
type Tunnel interface {
	EnsureInterface(address string, listenPort int, key wgtypes.Key) error
	ReconcilePeers(peers []topology.Peer) (wireguard.Delta, error)
	HubHandshakeAge(publicKey string) (time.Duration, error)
	Teardown() error
}

// Filter is the packet filter under the loop's control. Implemented by
// *firewall.Controller.
type Filter interface {
	Apply(rules []policy.Rule) error
	Teardown() error
}

// VitalsSource samples the host. Implemented by *Collector.
type VitalsSource interface {
	Vitals(ctx context.Context) core.Vitals
}

// EnforcerConfig carries the agent's identity and cadence.
type EnforcerConfig struct {
	Hostname string
	Role     string
	StateDir string
	Version  string
	OSInfo   string

	// Interval is the tick period (default 60s). The server can move it
	// within [15s, 300s] via heartbeat answers.
	Interval time.Duration
}

// Deps are the moving parts the loop drives.
type Deps struct {
	Client  *Client
	Tunnel  Tunnel
	Filter  Filter
	Watcher Watcher
	Vitals  VitalsSource
	State   State
	Key     wgtypes.Key
}

// Enforcer is the agent's single writer: the only goroutine that touches
// the overlay link, the filter chain and the persisted state. Everything
// else (stream follower, security watcher) merely feeds it.
type Enforcer struct {
	cfg  EnforcerConfig
	deps Deps

	state State
	key   wgtypes.Key

	// appliedAt is when this process last applied a plan; handshake
	// staleness is only judged after the link has had time to come up.
	appliedAt time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewEnforcer creates the loop. Call Start to run it.
func NewEnforcer(cfg EnforcerConfig, deps Deps) *Enforcer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultTick
	}
	return &Enforcer{
		cfg:   cfg,
		deps:  deps,
		state: deps.State,
		key:   deps.Key,
		wake:  make(chan struct{}, 1),
	}
}

// Start launches the loop and the event stream follower in background
// goroutines.
func (e *Enforcer) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	e.deps.Watcher.Start(ctx)
	go e.deps.Client.Follow(ctx, e.wake)

	go func() {
		defer close(e.done)
		if err := e.run(ctx); err != nil {
			e.err = err
			slog.Error("enforcement loop exited", "error", err)
		}
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (e *Enforcer) Stop() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return nil
}

// Done closes when the loop has exited.
func (e *Enforcer) Done() <-chan struct{} { return e.done }

// Err reports why the loop ended. Valid after Done is closed; nil means a
// clean stop (context cancelled or shutdown directive).
func (e *Enforcer) Err() error { return e.err }

func (e *Enforcer) run(ctx context.Context) error {
	interval := e.cfg.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First tick immediately; the host should converge on boot, not a
	// minute later.
	if err := e.tickAndRetune(ctx, ticker, &interval); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
			slog.Debug("stream wakeup")
		case <-ticker.C:
		}
		if err := e.tickAndRetune(ctx, ticker, &interval); err != nil {
			return err
		}
	}
}

func (e *Enforcer) tickAndRetune(ctx context.Context, ticker *time.Ticker, interval *time.Duration) error {
	next, err := e.tick(ctx)
	if errors.Is(err, errShutdown) {
		slog.Info("shutdown directive honored")
		return nil
	}
	if err != nil {
		return err
	}
	if next > 0 && next != *interval {
		slog.Info("tick interval retuned", "from", *interval, "to", next)
		*interval = next
		ticker.Reset(next)
	}
	return ctx.Err()
}

// tick runs one convergence pass: sync, apply, heartbeat. Transient
// failures are logged and absorbed; the returned error ends the loop.
func (e *Enforcer) tick(ctx context.Context) (time.Duration, error) {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.Interval)
	defer cancel()

	if !e.state.Enrolled() {
		e.enroll(tctx)
		return 0, nil
	}

	vitals := e.deps.Vitals.Vitals(tctx)

	resp, unchanged, err := e.deps.Client.Sync(tctx, e.state.AppliedHash, &vitals)
	switch {
	case errors.Is(err, ErrPending):
		slog.Info("approval pending", "node_id", e.state.NodeID)
		return 0, nil
	case errors.Is(err, ErrRevoked):
		e.handleRevoked()
		return 0, nil
	case errors.Is(err, ErrUnauthorized):
		slog.Warn("token rejected, re-registering")
		e.enroll(tctx)
		return 0, nil
	case err != nil:
		slog.Warn("sync failed, keeping last applied plan", "error", err)
		return 0, nil
	}

	if !unchanged {
		if err := e.applyPlan(tctx, resp); err != nil {
			if errors.Is(err, errShutdown) {
				return 0, err
			}
			if errors.Is(err, wireguard.ErrUnsupported) {
				return 0, fmt.Errorf("kernel support lost: %w", err)
			}
			slog.Warn("plan apply failed, will retry next tick", "error", err)
			return 0, nil
		}
	}

	return e.heartbeat(tctx, vitals), nil
}

// enroll registers (or re-registers) this host. Registration is idempotent
// server-side, so calling it every tick while pending is the approval poll.
func (e *Enforcer) enroll(ctx context.Context) {
	resp, err := e.deps.Client.Register(ctx, RegisterRequest{
		Hostname:     e.cfg.Hostname,
		Role:         e.cfg.Role,
		PublicKey:    e.key.PublicKey().String(),
		AgentVersion: e.cfg.Version,
		OSInfo:       e.cfg.OSInfo,
	})
	if err != nil {
		slog.Warn("registration failed", "hostname", e.cfg.Hostname, "error", err)
		return
	}

	e.state.NodeID = resp.NodeID
	e.state.Token = resp.Token
	e.state.OverlayIP = resp.OverlayIP
	e.state.HubPublicKey = resp.HubPublicKey
	e.state.HubEndpoint = resp.HubEndpoint
	if err := e.state.Save(e.cfg.StateDir); err != nil {
		slog.Error("persisting enrollment failed", "error", err)
	}

	if resp.Status == string(core.StatusPending) {
		slog.Info("enrolled, waiting for approval", "node_id", resp.NodeID)
		return
	}
	slog.Info("enrolled", "node_id", resp.NodeID, "overlay_ip", resp.OverlayIP, "status", resp.Status)
}

// applyPlan handles one changed plan: directives first, then the link, then
// the filter, then the applied-hash bookkeeping.
func (e *Enforcer) applyPlan(ctx context.Context, resp *SyncResponse) error {
	for _, d := range resp.Directives {
		switch d.Name {
		case core.DirectiveShutdown:
			return errShutdown
		case core.DirectiveIsolate:
			e.isolate(resp.PlanHash)
			return nil
		case core.DirectiveReenroll:
			slog.Warn("reenroll directive, dropping identity")
			e.state = State{}
			if err := e.state.Save(e.cfg.StateDir); err != nil {
				slog.Error("persisting state failed", "error", err)
			}
			e.deps.Client.SetToken("")
			return nil
		case core.DirectiveRotateKey:
			if err := e.rotateKey(ctx, d.Deadline); err != nil {
				slog.Warn("key rotation failed, will retry next tick", "error", err)
				return nil
			}
		default:
			slog.Warn("unknown directive ignored", "directive", string(d.Name))
		}
	}

	if err := e.deps.Tunnel.EnsureInterface(resp.Interface.Address, resp.Interface.ListenPort, e.key); err != nil {
		return fmt.Errorf("ensure interface: %w", err)
	}
	delta, err := e.deps.Tunnel.ReconcilePeers(resp.Peers)
	if err != nil {
		return fmt.Errorf("reconcile peers: %w", err)
	}
	if err := e.deps.Filter.Apply(resp.FirewallRules); err != nil {
		return fmt.Errorf("apply filter: %w", err)
	}

	e.state.AppliedHash = resp.PlanHash
	if err := e.state.Save(e.cfg.StateDir); err != nil {
		// The kernel is converged; an unpersisted hash only costs a
		// redundant re-apply after restart.
		slog.Error("persisting applied hash failed", "error", err)
	}
	e.appliedAt = time.Now()

	slog.Info("plan applied",
		"plan_hash", shortHash(resp.PlanHash),
		"peers", delta.String(),
		"rules", len(resp.FirewallRules))
	return nil
}

// rotateKey generates a fresh keypair and submits the public half. The
// private key is persisted only after the controller accepted it, so a
// refused rotation leaves the working key in place.
func (e *Enforcer) rotateKey(ctx context.Context, deadline string) error {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := e.deps.Client.RotateKey(ctx, key.PublicKey().String()); err != nil {
		return err
	}
	if err := wireguard.SaveKey(e.cfg.StateDir, key); err != nil {
		return fmt.Errorf("persist rotated key: %w", err)
	}
	e.key = key
	slog.Info("key rotated", "public_key", key.PublicKey().String(), "deadline", deadline)
	return nil
}

// isolate tears the overlay down and records the suspending plan as
// applied, so following syncs answer 304 instead of re-running the
// teardown every tick. The agent stays resident and keeps polling.
func (e *Enforcer) isolate(planHash string) {
	slog.Warn("isolate directive, tearing down overlay")
	if err := e.deps.Filter.Teardown(); err != nil {
		slog.Error("filter teardown failed", "error", err)
	}
	if err := e.deps.Tunnel.Teardown(); err != nil {
		slog.Error("link teardown failed", "error", err)
	}
	e.state.AppliedHash = planHash
	if err := e.state.Save(e.cfg.StateDir); err != nil {
		slog.Error("persisting state failed", "error", err)
	}
	e.appliedAt = time.Time{}
}

// handleRevoked tears everything down and discards the identity. Revoked
// public keys are blacklisted server-side, so re-enrollment needs a fresh
// pair; the next tick starts the register poll with it.
func (e *Enforcer) handleRevoked() {
	slog.Warn("node revoked, standing by for re-enrollment", "node_id", e.state.NodeID)
	if err := e.deps.Filter.Teardown(); err != nil {
		slog.Error("filter teardown failed", "error", err)
	}
	if err := e.deps.Tunnel.Teardown(); err != nil {
		slog.Error("link teardown failed", "error", err)
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		slog.Error("generating replacement key failed", "error", err)
		return
	}
	if err := wireguard.SaveKey(e.cfg.StateDir, key); err != nil {
		slog.Error("persisting replacement key failed", "error", err)
		return
	}
	e.key = key
	e.state = State{}
	if err := e.state.Save(e.cfg.StateDir); err != nil {
		slog.Error("persisting state failed", "error", err)
	}
	e.deps.Client.SetToken("")
	e.appliedAt = time.Time{}
}

// heartbeat posts vitals plus drained security reports and returns the
// server's preferred tick, clamped to sane bounds. Zero means keep the
// current cadence.
func (e *Enforcer) heartbeat(ctx context.Context, vitals core.Vitals) time.Duration {
	reports := e.deps.Watcher.Reports()
	if r, ok := e.staleHandshakeReport(); ok {
		reports = append(reports, r)
	}

	hb, err := e.deps.Client.Heartbeat(ctx, vitals, reports)
	if err != nil {
		slog.Warn("heartbeat failed", "error", err)
		return 0
	}
	if hb.NextInterval <= 0 {
		return 0
	}
	return clampInterval(time.Duration(hb.NextInterval) * time.Second)
}

// staleHandshakeReport flags a hub that has gone quiet. Only meaningful
// once a plan has been live long enough for the first handshake to happen.
func (e *Enforcer) staleHandshakeReport() (core.SecurityReport, bool) {
	if e.state.HubPublicKey == "" || e.appliedAt.IsZero() ||
		time.Since(e.appliedAt) < staleHandshakeAfter {
		return core.SecurityReport{}, false
	}
	age, err := e.deps.Tunnel.HubHandshakeAge(e.state.HubPublicKey)
	if err != nil || age < staleHandshakeAfter {
		return core.SecurityReport{}, false
	}
	return core.SecurityReport{
		Kind:   core.ReportHandshakeFailures,
		Count:  1,
		Detail: "no hub handshake for " + age.Round(time.Second).String(),
		At:     time.Now().UTC(),
	}, true
}

func clampInterval(d time.Duration) time.Duration {
	if d < minTick {
		return minTick
	}
	if d > maxTick {
		return maxTick
	}
	return d
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
