// Drives a fake fleet against a running controller: registers N nodes,
// approves them when an admin token is available, then syncs and heartbeats
// on a short tick so plans, trust scores, and the event stream have traffic
// to show. One node misbehaves on purpose to walk the trust ladder down.
//
// Usage:
//
//	go run scripts/simulate_agent.go -hub http://localhost:8080 -nodes 5
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ztmesh/ztmesh/internal/agent"
	"github.com/ztmesh/ztmesh/internal/core"
)

var roles = []string{"app", "db", "monitor", "gateway"}

func main() {
	hub := flag.String("hub", "http://localhost:8080", "controller base URL")
	nodes := flag.Int("nodes", 5, "fleet size")
	adminToken := flag.String("admin", os.Getenv("ADMIN_SECRET"), "admin token for auto-approving the fleet")
	interval := flag.Duration("interval", 15*time.Second, "sync/heartbeat tick")
	flag.Parse()

	fmt.Printf("🚀 Simulating %d agents against %s\n", *nodes, *hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < *nodes; i++ {
		sim, err := enroll(ctx, *hub, *adminToken, i)
		if err != nil {
			log.Printf("❌ node %d enrollment failed: %v", i, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.run(ctx, *interval)
		}()
	}

	wg.Wait()
	fmt.Println("Fleet stopped")
}

// simNode is one fake agent: a client, an identity, and a behavior profile.
type simNode struct {
	client   *agent.Client
	nodeID   string
	hostname string
	lastHash string
	naughty  bool // emits brute-force reports so trust drops
}

func enroll(ctx context.Context, hub, adminToken string, i int) (*simNode, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	role := roles[i%len(roles)]
	hostname := fmt.Sprintf("sim-%s-%02d", role, i)
	client := agent.NewClient(agent.ClientConfig{HubURL: hub, Timeout: 10 * time.Second})

	resp, err := client.Register(ctx, agent.RegisterRequest{
		Hostname:     hostname,
		Role:         role,
		PublicKey:    key.PublicKey().String(),
		RealIP:       fmt.Sprintf("198.51.100.%d", 10+i),
		AgentVersion: "sim",
		OSInfo:       "simulator",
	})
	if err != nil {
		return nil, err
	}
	client.SetToken(resp.Token)

	if resp.Status == string(core.StatusPending) && adminToken != "" {
		if err := approve(ctx, hub, adminToken, resp.NodeID); err != nil {
			return nil, fmt.Errorf("approve %s: %w", hostname, err)
		}
		fmt.Printf("✅ %s approved (%s)\n", hostname, resp.NodeID[:8])
	} else {
		fmt.Printf("✅ %s registered, status=%s\n", hostname, resp.Status)
	}

	return &simNode{
		client:   client,
		nodeID:   resp.NodeID,
		hostname: hostname,
		naughty:  i == 0,
	}, nil
}

func approve(ctx context.Context, hub, adminToken, nodeID string) error {
	url := fmt.Sprintf("%s/api/v1/admin/nodes/%s/approve", hub, nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Token", adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (n *simNode) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		vitals := n.vitals()
		plan, changed, err := n.client.Sync(ctx, n.lastHash, &vitals)
		switch {
		case errors.Is(err, agent.ErrPending):
			log.Printf("⏳ %s still pending approval", n.hostname)
			continue
		case errors.Is(err, agent.ErrRevoked):
			log.Printf("🛑 %s revoked, leaving the fleet", n.hostname)
			return
		case err != nil:
			log.Printf("⚠️ %s sync: %v", n.hostname, err)
			continue
		}
		if changed {
			n.lastHash = plan.PlanHash
			log.Printf("📦 %s new plan %s: %d peers, %d rules", n.hostname, plan.PlanHash[:12], len(plan.Peers), len(plan.FirewallRules))
			for _, d := range plan.Directives {
				log.Printf("📣 %s directive: %s", n.hostname, d.Name)
			}
		}

		if _, err := n.client.Heartbeat(ctx, vitals, n.reports(tick)); err != nil {
			log.Printf("⚠️ %s heartbeat: %v", n.hostname, err)
		}
	}
}

func (n *simNode) vitals() core.Vitals {
	v := core.Vitals{
		CPUPercent:         10 + rand.Float64()*30,
		MemPercent:         30 + rand.Float64()*20,
		DiskPercent:        40 + rand.Float64()*10,
		OpenConns:          20 + rand.Intn(60),
		TimeWaitConns:      rand.Intn(20),
		HandshakeLatencyMs: 5 + rand.Intn(40),
		UptimeSeconds:      int64(rand.Intn(86400)),
		AgentVersion:       "sim",
	}
	if n.naughty {
		v.CPUPercent = 90 + rand.Float64()*9
		v.SuspiciousProcesses = []string{"xmrig"}
	}
	return v
}

// reports makes the naughty node look brute-forced every third tick.
func (n *simNode) reports(tick int) []core.SecurityReport {
	if !n.naughty || tick%3 != 0 {
		return nil
	}
	return []core.SecurityReport{
		{Kind: core.ReportSSHFailedLogins, Count: 12, Detail: "203.0.113.66"},
		{Kind: core.ReportSSHBruteForce, Count: 1, Detail: "203.0.113.66"},
	}
}
