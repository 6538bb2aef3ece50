package config

import (
	"fmt"
	"os"
	"time"
)

// AgentConfig drives the node agent. Only HUB_URL and AGENT_ROLE are
// mandatory; the hostname falls back to the OS hostname.
type AgentConfig struct {
	HubURL        string
	Role          string
	Hostname      string
	Interface     string
	SyncInterval  time.Duration
	StateDir      string
	SecurityProbe string // log | ebpf | off
	Version       string
}

// LoadAgent builds the agent configuration from the environment.
func LoadAgent(version string) (*AgentConfig, error) {
	cfg := &AgentConfig{
		HubURL:        os.Getenv("HUB_URL"),
		Role:          os.Getenv("AGENT_ROLE"),
		Hostname:      os.Getenv("AGENT_HOSTNAME"),
		Interface:     "wg0",
		SyncInterval:  60 * time.Second,
		StateDir:      "/var/lib/ztmesh",
		SecurityProbe: "log",
		Version:       version,
	}
	setStr(&cfg.Interface, "WG_INTERFACE")
	setDuration(&cfg.SyncInterval, "SYNC_INTERVAL")
	setStr(&cfg.StateDir, "STATE_DIR")
	setStr(&cfg.SecurityProbe, "SECURITY_PROBE")

	if cfg.HubURL == "" {
		return nil, fmt.Errorf("HUB_URL is required")
	}
	if cfg.Role == "" {
		return nil, fmt.Errorf("AGENT_ROLE is required")
	}
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("AGENT_HOSTNAME unset and os.Hostname failed: %w", err)
		}
		cfg.Hostname = h
	}
	switch cfg.SecurityProbe {
	case "log", "ebpf", "off":
	default:
		return nil, fmt.Errorf("SECURITY_PROBE %q: want log, ebpf, or off", cfg.SecurityProbe)
	}
	if cfg.SyncInterval < 15*time.Second || cfg.SyncInterval > 5*time.Minute {
		return nil, fmt.Errorf("SYNC_INTERVAL %s out of range [15s, 5m]", cfg.SyncInterval)
	}
	return cfg, nil
}
