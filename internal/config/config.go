// Package config resolves controller and agent settings. Defaults are
// overlaid first by an optional YAML file (ZTMESH_CONFIG) and then by
// environment variables, so containers can run with env alone.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Clients  ClientsConfig  `yaml:"clients"`
	Registry RegistryConfig `yaml:"registry"`
	Trust    TrustConfig    `yaml:"trust"`
	Stream   StreamConfig   `yaml:"stream"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Bus      BusConfig      `yaml:"bus"`
	Database DatabaseConfig `yaml:"database"`
	Audit    AuditConfig    `yaml:"audit"`

	// PolicyFile points at a declarative policy seed applied once, on a
	// virgin event log. Empty means the built-in baseline.
	PolicyFile string `yaml:"policy_file"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	AdminSecret string `yaml:"admin_secret"`
	SecretKey   string `yaml:"secret_key"`

	// PrevSecretKey keeps tokens signed before a SECRET_KEY rotation
	// verifiable for the broker's grace window. Empty outside rotations.
	PrevSecretKey string `yaml:"prev_secret_key"`
}

type OverlayConfig struct {
	Network       string `yaml:"network"` // CIDR, hub always takes the first host
	WGPort        int    `yaml:"wg_port"`
	NodePoolStart int    `yaml:"node_pool_start"`
	NodePoolEnd   int    `yaml:"node_pool_end"`
	CooldownHours int    `yaml:"cooldown_hours"`
}

type ClientsConfig struct {
	PoolStart         int    `yaml:"pool_start"`
	PoolEnd           int    `yaml:"pool_end"`
	DefaultExpireDays int    `yaml:"default_expire_days"`
	MaxDevicesPerUser int    `yaml:"max_devices_per_user"`
	DNS               string `yaml:"dns"`
}

type RegistryConfig struct {
	AutoApproveAll   bool     `yaml:"auto_approve_all"`
	AutoApproveRoles []string `yaml:"auto_approve_roles"`
	RegisterPerMin   int      `yaml:"register_per_min"` // per source IP
}

type TrustConfig struct {
	ReevalInterval time.Duration `yaml:"reeval_interval"`
}

type StreamConfig struct {
	Buffer int `yaml:"buffer"` // per-subscriber queue depth
}

type WebhookConfig struct {
	Workers int `yaml:"workers"`
}

type BusConfig struct {
	Backend  string `yaml:"backend"` // memory | redis
	RedisURL string `yaml:"redis_url"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty runs the controller in-memory
}

type AuditConfig struct {
	Project         string `yaml:"project"`
	Topic           string `yaml:"topic"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Defaults returns a runnable single-host configuration. Secrets carry no
// defaults and must come from the file or the environment.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Overlay: OverlayConfig{
			Network:       "10.10.0.0/24",
			WGPort:        51820,
			NodePoolStart: 2,
			NodePoolEnd:   99,
			CooldownHours: 24,
		},
		Clients: ClientsConfig{
			PoolStart:         100,
			PoolEnd:           250,
			DefaultExpireDays: 30,
			MaxDevicesPerUser: 5,
			DNS:               "1.1.1.1",
		},
		Registry: RegistryConfig{RegisterPerMin: 10},
		Trust:    TrustConfig{ReevalInterval: 5 * time.Minute},
		Stream:   StreamConfig{Buffer: 256},
		Webhooks: WebhookConfig{Workers: 4},
		Bus:      BusConfig{Backend: "memory"},
	}
}

// LoadFile decodes a YAML file over cfg. Absent keys keep their values.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Load builds the effective controller configuration.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("ZTMESH_CONFIG"); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.Server.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required")
	}
	if len(c.Server.SecretKey) < 16 {
		return fmt.Errorf("SECRET_KEY must be at least 16 characters")
	}
	_, network, err := net.ParseCIDR(c.Overlay.Network)
	if err != nil {
		return fmt.Errorf("OVERLAY_NETWORK %q: %w", c.Overlay.Network, err)
	}
	ones, bits := network.Mask.Size()
	if bits != 32 || ones > 30 {
		return fmt.Errorf("OVERLAY_NETWORK %q must be an IPv4 network with at least 4 hosts", c.Overlay.Network)
	}
	hostMax := 1<<(32-ones) - 2
	if c.Overlay.NodePoolStart < 2 || c.Overlay.NodePoolEnd > hostMax || c.Overlay.NodePoolStart > c.Overlay.NodePoolEnd {
		return fmt.Errorf("node pool %d-%d out of range for %s", c.Overlay.NodePoolStart, c.Overlay.NodePoolEnd, c.Overlay.Network)
	}
	if c.Clients.PoolStart <= c.Overlay.NodePoolEnd || c.Clients.PoolEnd > hostMax || c.Clients.PoolStart > c.Clients.PoolEnd {
		return fmt.Errorf("client pool %d-%d overlaps the node pool or exceeds %s", c.Clients.PoolStart, c.Clients.PoolEnd, c.Overlay.Network)
	}
	if c.Overlay.WGPort < 1 || c.Overlay.WGPort > 65535 {
		return fmt.Errorf("WG_PORT %d out of range", c.Overlay.WGPort)
	}
	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("EVENT_BUS=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("EVENT_BUS %q: want memory or redis", c.Bus.Backend)
	}
	if c.Audit.Topic != "" && c.Audit.Project == "" {
		return fmt.Errorf("PUBSUB_AUDIT_TOPIC requires PUBSUB_PROJECT")
	}
	return nil
}
