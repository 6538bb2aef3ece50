package policy

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/ztmesh/ztmesh/internal/core"
)

// Seed is the declarative policy bundle an operator can point POLICY_FILE
// at. It is applied once, on a virgin event log, so deleting a seeded
// policy later never resurrects it.
type Seed struct {
	NetworkPolicies []SeedNetworkPolicy `yaml:"network_policies"`
	AccessPolicies  []SeedAccessPolicy  `yaml:"access_policies"`
}

type SeedNetworkPolicy struct {
	Name     string `yaml:"name"`
	SrcRole  string `yaml:"src_role"`
	DstRole  string `yaml:"dst_role"`
	Protocol string `yaml:"protocol"`
	Port     string `yaml:"port"`
	Action   string `yaml:"action"`
	Priority int    `yaml:"priority"`
}

type SeedAccessPolicy struct {
	Name          string `yaml:"name"`
	SubjectType   string `yaml:"subject_type"`
	SubjectID     string `yaml:"subject_id"`
	ResourceType  string `yaml:"resource_type"`
	ResourceValue string `yaml:"resource_value"`
	Action        string `yaml:"action"`
	Priority      int    `yaml:"priority"`
}

// LoadSeed parses and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("policy seed %s: %w", path, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("policy seed %s: %w", path, err)
	}
	return &seed, nil
}

// DefaultSeed is the baseline table for installations without a POLICY_FILE:
// ops can SSH and scrape node metrics everywhere, app reaches the database,
// and every role may hit the hub's WireGuard port.
func DefaultSeed(wgPort int) *Seed {
	return &Seed{
		NetworkPolicies: []SeedNetworkPolicy{
			{Name: "ops-ssh", SrcRole: "ops", DstRole: "*", Protocol: "tcp", Port: "22", Action: "ACCEPT", Priority: 100},
			{Name: "ops-node-metrics", SrcRole: "ops", DstRole: "*", Protocol: "tcp", Port: "9100", Action: "ACCEPT", Priority: 100},
			{Name: "app-to-db", SrcRole: "app", DstRole: "db", Protocol: "tcp", Port: "5432", Action: "ACCEPT", Priority: 100},
			{Name: "wireguard-to-hub", SrcRole: "*", DstRole: "hub", Protocol: "udp", Port: fmt.Sprintf("%d", wgPort), Action: "ACCEPT", Priority: 100},
		},
	}
}

// Validate checks every entry with the same rules the admin API applies.
func (s *Seed) Validate() error {
	for i, p := range s.NetworkPolicies {
		if err := ValidateNetworkPolicy(p.Core("")); err != nil {
			return fmt.Errorf("network_policies[%d] %q: %w", i, p.Name, err)
		}
	}
	for i, p := range s.AccessPolicies {
		if err := ValidateAccessPolicy(p.Core("")); err != nil {
			return fmt.Errorf("access_policies[%d] %q: %w", i, p.Name, err)
		}
	}
	return nil
}

// Core converts a seed row into the domain type with the given id.
func (p SeedNetworkPolicy) Core(id string) core.NetworkPolicy {
	return core.NetworkPolicy{
		ID:       id,
		Name:     p.Name,
		SrcRole:  core.Role(p.SrcRole),
		DstRole:  core.Role(p.DstRole),
		Protocol: core.Protocol(p.Protocol),
		Port:     p.Port,
		Action:   core.FirewallVerdict(p.Action),
		Priority: p.Priority,
		Enabled:  true,
	}
}

func (p SeedAccessPolicy) Core(id string) core.AccessPolicy {
	return core.AccessPolicy{
		ID:       id,
		Name:     p.Name,
		Subject:  core.Subject{Type: core.SubjectType(p.SubjectType), ID: p.SubjectID},
		Resource: core.Resource{Type: core.ResourceType(p.ResourceType), Value: p.ResourceValue},
		Action:   core.PolicyAction(p.Action),
		Priority: p.Priority,
		Enabled:  true,
	}
}
