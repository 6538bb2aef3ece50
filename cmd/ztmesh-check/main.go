// ztmesh-check is the preflight doctor for an agent host: it validates the
// environment, the kernel facilities the agent needs, and the path to the
// controller, without changing anything. Run it before enrolling a node or
// when a node refuses to start.
package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ztmesh/ztmesh/internal/agent"
	"github.com/ztmesh/ztmesh/internal/config"
	"github.com/ztmesh/ztmesh/internal/firewall"
	"github.com/ztmesh/ztmesh/internal/wireguard"
)

// Failure classes map onto the shared exit codes: config 2, auth 3,
// network 5, anything else 1.
const (
	classGeneric = 1
	classConfig  = 2
	classAuth    = 3
	classNetwork = 5
)

var errSkip = errors.New("skipped")

type check struct {
	name  string
	class int
	run   func() (detail string, err error)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              ztmesh preflight — node host doctor              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	cfg, err := config.LoadAgent("check")
	if err != nil {
		fmt.Printf("  %-28s ❌ FAIL  %v\n", "agent environment", err)
		fmt.Println()
		fmt.Println("Fix the environment and run again.")
		os.Exit(classConfig)
	}
	fmt.Printf("  %-28s ✅ OK    hub=%s role=%s iface=%s\n", "agent environment", cfg.HubURL, cfg.Role, cfg.Interface)

	httpc := &http.Client{Timeout: 5 * time.Second}
	checks := []check{
		{"wireguard kernel support", classConfig, func() (string, error) {
			if err := wireguard.Supported(); err != nil {
				return "", err
			}
			return "link type available", nil
		}},
		{"iptables", classConfig, func() (string, error) {
			if err := firewall.Supported(); err != nil {
				return "", err
			}
			return "filter table writable", nil
		}},
		{"agent state dir", classConfig, func() (string, error) {
			return probeStateDir(cfg.StateDir)
		}},
		{"controller reachability", classNetwork, func() (string, error) {
			return probeHealth(httpc, cfg.HubURL)
		}},
		{"node credentials", classAuth, func() (string, error) {
			return probeNodeToken(httpc, cfg.HubURL, cfg.StateDir)
		}},
		{"admin token", classAuth, func() (string, error) {
			return probeAdminToken(httpc, cfg.HubURL)
		}},
	}

	worst := 0
	for _, c := range checks {
		detail, err := c.run()
		switch {
		case err == nil:
			fmt.Printf("  %-28s ✅ OK    %s\n", c.name, detail)
		case errors.Is(err, errSkip):
			fmt.Printf("  %-28s ⚠️ SKIP  %s\n", c.name, detail)
		default:
			fmt.Printf("  %-28s ❌ FAIL  %v\n", c.name, err)
			worst = worse(worst, classify(c.class, err))
		}
	}

	fmt.Println()
	if worst == 0 {
		fmt.Println("Status: host is ready to enroll.")
	} else {
		fmt.Printf("Status: NOT ready (exit %d).\n", worst)
	}
	os.Exit(worst)
}

// classify folds transport failures under the network class regardless of
// what the check was after: an auth probe that never reached the controller
// is a connectivity problem, not a credential one.
func classify(class int, err error) int {
	var httpErr *statusError
	if errors.As(err, &httpErr) {
		if httpErr.code == http.StatusUnauthorized || httpErr.code == http.StatusForbidden {
			return classAuth
		}
		return classGeneric
	}
	if class == classAuth || class == classNetwork {
		return classNetwork
	}
	return class
}

// worse keeps the most actionable class: config beats auth beats network
// beats generic.
func worse(a, b int) int {
	rank := map[int]int{0: 0, classConfig: 4, classAuth: 3, classNetwork: 2, classGeneric: 1}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func probeStateDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%s not writable: %w", dir, err)
	}
	if _, err := agent.LoadState(dir); err != nil {
		return "", fmt.Errorf("state file corrupt: %w", err)
	}
	return dir, nil
}

func probeHealth(httpc *http.Client, hubURL string) (string, error) {
	resp, err := httpc.Get(joinURL(hubURL, "/health"))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: "health endpoint unhealthy"}
	}
	return "controller answered /health", nil
}

// probeNodeToken opens the event stream with the enrolled bearer token. The
// server flushes the status line immediately, so one round trip settles
// whether the token still works.
func probeNodeToken(httpc *http.Client, hubURL, stateDir string) (string, error) {
	st, err := agent.LoadState(stateDir)
	if err != nil || !st.Enrolled() {
		return "no enrolled identity on this host", errSkip
	}

	req, err := http.NewRequest(http.MethodGet, joinURL(hubURL, "/api/v1/events"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+st.Token)
	resp, err := httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: "bearer token rejected"}
	}
	return fmt.Sprintf("node %s accepted", shortID(st.NodeID)), nil
}

func probeAdminToken(httpc *http.Client, hubURL string) (string, error) {
	secret := os.Getenv("ADMIN_SECRET")
	if secret == "" {
		return "ADMIN_SECRET not set", errSkip
	}

	req, err := http.NewRequest(http.MethodGet, joinURL(hubURL, "/api/v1/admin/status"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Admin-Token", secret)
	resp, err := httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: "admin token rejected"}
	}
	return "admin surface accessible", nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
