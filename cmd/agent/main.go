package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ztmesh/ztmesh/internal/agent"
	"github.com/ztmesh/ztmesh/internal/config"
	"github.com/ztmesh/ztmesh/internal/firewall"
	"github.com/ztmesh/ztmesh/internal/wireguard"
)

// version is stamped via -ldflags at release time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.LoadAgent(version)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		return 2
	}

	// Refuse to start on a host that cannot enforce.
	if err := wireguard.Supported(); err != nil {
		slog.Error("wireguard is unavailable on this host", "error", err)
		return 2
	}
	if err := firewall.Supported(); err != nil {
		slog.Error("iptables is unavailable on this host", "error", err)
		return 2
	}

	st, err := agent.LoadState(cfg.StateDir)
	if err != nil {
		dump, _ := agent.WriteDump(cfg.StateDir, map[string]string{"error": err.Error()})
		slog.Error("agent state is corrupt", "error", err, "dump", dump)
		return 10
	}
	key, err := wireguard.LoadOrCreateKey(cfg.StateDir)
	if err != nil {
		dump, _ := agent.WriteDump(cfg.StateDir, map[string]string{"error": err.Error()})
		slog.Error("wireguard key is unusable", "error", err, "dump", dump)
		return 10
	}

	manager, err := wireguard.NewManager(cfg.Interface)
	if err != nil {
		slog.Error("opening wireguard control failed", "error", err)
		return 2
	}
	defer manager.Close()

	fw, err := firewall.New(cfg.Interface)
	if err != nil {
		slog.Error("opening iptables failed", "error", err)
		return 2
	}

	client := agent.NewClient(agent.ClientConfig{HubURL: cfg.HubURL, Token: st.Token})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// First enrollment runs synchronously so misconfiguration fails the
	// start instead of a daemon retrying a hostname conflict forever.
	if !st.Enrolled() {
		st, err = firstEnroll(ctx, client, cfg, key)
		if err != nil {
			code := registerExitCode(err)
			slog.Error("enrollment failed", "error", err, "exit_code", code)
			return code
		}
	}

	enforcer := agent.NewEnforcer(agent.EnforcerConfig{
		Hostname: cfg.Hostname,
		Role:     cfg.Role,
		StateDir: cfg.StateDir,
		Version:  version,
		OSInfo:   osInfo(),
		Interval: cfg.SyncInterval,
	}, agent.Deps{
		Client:  client,
		Tunnel:  manager,
		Filter:  fw,
		Watcher: agent.NewWatcher(cfg.SecurityProbe),
		Vitals:  agent.NewCollector(version, hubHostPort(cfg.HubURL)),
		State:   st,
		Key:     key,
	})

	slog.Info("agent starting",
		"version", version, "hostname", cfg.Hostname, "role", cfg.Role,
		"hub", cfg.HubURL, "interface", cfg.Interface, "probe", cfg.SecurityProbe)

	if err := enforcer.Start(ctx); err != nil {
		slog.Error("starting enforcement loop failed", "error", err)
		return 1
	}

	select {
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
		enforcer.Stop()
	case <-enforcer.Done():
	}

	if err := enforcer.Err(); err != nil {
		if errors.Is(err, wireguard.ErrUnsupported) || errors.Is(err, firewall.ErrUnsupported) {
			return 2
		}
		return 1
	}
	slog.Info("agent stopped")
	return 0
}

func firstEnroll(ctx context.Context, client *agent.Client, cfg *config.AgentConfig, key wgtypes.Key) (agent.State, error) {
	rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := client.Register(rctx, agent.RegisterRequest{
		Hostname:     cfg.Hostname,
		Role:         cfg.Role,
		PublicKey:    key.PublicKey().String(),
		AgentVersion: cfg.Version,
		OSInfo:       osInfo(),
	})
	if err != nil {
		return agent.State{}, err
	}

	st := agent.State{
		NodeID:       resp.NodeID,
		Token:        resp.Token,
		OverlayIP:    resp.OverlayIP,
		HubPublicKey: resp.HubPublicKey,
		HubEndpoint:  resp.HubEndpoint,
	}
	if err := st.Save(cfg.StateDir); err != nil {
		return agent.State{}, err
	}
	slog.Info("enrolled", "node_id", resp.NodeID, "status", resp.Status, "overlay_ip", resp.OverlayIP)
	return st, nil
}

// registerExitCode maps enrollment failures to the documented exit codes:
// 2 config, 3 auth, 4 conflict, 5 unreachable, 1 anything else.
func registerExitCode(err error) int {
	var apiErr *agent.APIError
	switch {
	case errors.Is(err, agent.ErrUnreachable):
		return 5
	case errors.Is(err, agent.ErrUnauthorized):
		return 3
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusConflict:
			return 4
		case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
			return 3
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return 2
		}
	}
	return 1
}

func hubHostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

func osInfo() string {
	raw, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "linux"
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if name, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(name, `"`)
		}
	}
	return "linux"
}
