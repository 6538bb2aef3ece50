// Package core holds the domain model shared by the control plane and the
// node agent: aggregates, lifecycle state machines, and the error kinds the
// HTTP layer maps onto status codes.
package core

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role classifies a node's function on the overlay.
type Role string

const (
	RoleHub     Role = "hub"
	RoleApp     Role = "app"
	RoleDB      Role = "db"
	RoleOps     Role = "ops"
	RoleMonitor Role = "monitor"
	RoleGateway Role = "gateway"
	RoleClient  Role = "client"
)

var allRoles = map[Role]bool{
	RoleHub: true, RoleApp: true, RoleDB: true, RoleOps: true,
	RoleMonitor: true, RoleGateway: true, RoleClient: true,
}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool { return allRoles[r] }

// Node is a registered overlay member (hub or spoke).
type Node struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	Role          Role      `json:"role"`
	PublicKey     string    `json:"public_key"`
	RealIP        string    `json:"real_ip,omitempty"`
	OverlayIP     string    `json:"overlay_ip,omitempty"`
	Status        Status    `json:"status"`
	TrustScore    int       `json:"trust_score"`
	TrustAction   string    `json:"trust_action,omitempty"`
	AgentVersion  string    `json:"agent_version,omitempty"`
	OSInfo        string    `json:"os_info,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ApprovedBy    string    `json:"approved_by,omitempty"`
	RotateKeyBy   time.Time `json:"rotate_key_by,omitempty"`
	Version       int64     `json:"-"`
	LastHeartbeat time.Time `json:"last_heartbeat_at,omitempty"`
}

// User is an identity subject for the access plane.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Department  string    `json:"department,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Version     int64     `json:"-"`
}

// Group is a named set of users.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"created_at"`
	Version     int64     `json:"-"`
}

// SubjectType discriminates AccessPolicy subjects.
type SubjectType string

const (
	SubjectUser  SubjectType = "user"
	SubjectGroup SubjectType = "group"
)

// Subject identifies who an AccessPolicy applies to.
type Subject struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id"`
}

// ResourceType discriminates AccessPolicy resources.
type ResourceType string

const (
	ResourceDomain    ResourceType = "domain"
	ResourceOverlayIP ResourceType = "overlay_ip"
	ResourcePort      ResourceType = "port"
	ResourceRole      ResourceType = "role"
)

// Resource identifies what an AccessPolicy grants or denies.
// Domain values may carry a leading `*.` (one extra label) or `**.`
// (any depth) wildcard.
type Resource struct {
	Type  ResourceType `json:"type"`
	Value string       `json:"value"`
}

// PolicyAction is the verdict of an access-plane rule.
type PolicyAction string

const (
	ActionAllow PolicyAction = "allow"
	ActionDeny  PolicyAction = "deny"
)

// AccessPolicy is a user/group → resource rule on the access plane.
type AccessPolicy struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Subject   Subject      `json:"subject"`
	Resource  Resource     `json:"resource"`
	Action    PolicyAction `json:"action"`
	Priority  int          `json:"priority"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"created_at"`
	Version   int64        `json:"-"`
}

// Protocol used by a NetworkPolicy rule.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
	ProtoAny  Protocol = "any"
)

// FirewallVerdict is the action of a network-plane rule.
type FirewallVerdict string

const (
	VerdictAccept FirewallVerdict = "ACCEPT"
	VerdictDrop   FirewallVerdict = "DROP"
)

// NetworkPolicy is a role-to-role firewall rule on the network plane.
// Port is "", a single port ("5432"), or an inclusive range ("8000-8999").
type NetworkPolicy struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	SrcRole   Role            `json:"src_role"`
	DstRole   Role            `json:"dst_role"`
	Protocol  Protocol        `json:"protocol"`
	Port      string          `json:"port,omitempty"`
	Action    FirewallVerdict `json:"action"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	Version   int64           `json:"-"`
}

// TunnelMode selects a client device's routing posture.
type TunnelMode string

const (
	TunnelFull  TunnelMode = "full"  // all traffic through the hub
	TunnelSplit TunnelMode = "split" // overlay traffic only
)

// ClientDevice is an end-user laptop/phone issued a one-shot tunnel profile.
// The config token is stored hashed; the clear token leaves the process
// exactly once, in the create response.
type ClientDevice struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"` // mobile | laptop
	OverlayIP       string     `json:"overlay_ip"`
	TunnelMode      TunnelMode `json:"tunnel_mode"`
	PublicKey       string     `json:"public_key"`
	PrivateKeyEnc   string     `json:"-"` // secretbox ciphertext, base64
	TokenHash       string     `json:"-"` // SHA-256 hex of the config token
	TokenSingleUse  bool       `json:"token_single_use"`
	ConfigDelivered bool       `json:"config_downloaded"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	Version         int64      `json:"-"`
}

// Expired reports whether the device's validity window has passed.
func (d *ClientDevice) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// TrustSnapshot is one row of a node's trust history.
type TrustSnapshot struct {
	NodeID       string         `json:"node_id"`
	Score        int            `json:"score"`
	Previous     int            `json:"previous_score"`
	Risk         string         `json:"risk_level"`
	Action       string         `json:"action_taken"`
	Inputs       map[string]int `json:"inputs,omitempty"`
	CalculatedAt time.Time      `json:"calculated_at"`
}

// Vitals is the health block an agent reports with each heartbeat. It feeds
// the device-health and behavior sub-scores and is never event-sourced.
type Vitals struct {
	CPUPercent          float64  `json:"cpu_percent"`
	MemPercent          float64  `json:"mem_percent"`
	DiskPercent         float64  `json:"disk_percent"`
	OpenConns           int      `json:"open_conns"`
	TimeWaitConns       int      `json:"time_wait_conns"`
	SuspiciousProcesses []string `json:"suspicious_processes,omitempty"`
	PatchAgeDays        int      `json:"patch_age_days"`
	HandshakeLatencyMs  int      `json:"handshake_latency_ms"`
	UptimeSeconds       int64    `json:"uptime_seconds"`
	AgentVersion        string   `json:"agent_version,omitempty"`
}

// SecurityReport is one security observation posted by an agent's watcher
// (failed SSH logins, port scans, blocked connections).
type SecurityReport struct {
	Kind   string    `json:"kind"`
	Count  int       `json:"count"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Security report kinds agents are expected to emit.
const (
	ReportSSHFailedLogins    = "ssh_failed_logins"
	ReportSSHBruteForce      = "ssh_brute_force"
	ReportPortScan           = "port_scan"
	ReportBlockedConnections = "blocked_connections_high"
	ReportHandshakeFailures  = "wireguard_handshake_failures"
	ReportSuspiciousProcess  = "suspicious_processes"
)

// WebhookEndpoint receives signed POSTs for matching event types.
type WebhookEndpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Version   int64     `json:"-"`
}

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// NormalizeHostname lowercases, maps spaces/underscores/dots to hyphens and
// collapses runs. Returns an error when the result is empty, longer than 63
// characters, or contains characters outside [a-z0-9-].
func NormalizeHostname(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '.':
			return '-'
		}
		return r
	}, h)
	for strings.Contains(h, "--") {
		h = strings.ReplaceAll(h, "--", "-")
	}
	h = strings.Trim(h, "-")
	if h == "" {
		return "", Errorf(KindInvalidArgument, "EMPTY_HOSTNAME", "hostname is empty after normalization")
	}
	if len(h) > 63 {
		return "", Errorf(KindInvalidArgument, "HOSTNAME_TOO_LONG", "hostname %q exceeds 63 characters", h)
	}
	if !hostnamePattern.MatchString(h) {
		return "", Errorf(KindInvalidArgument, "BAD_HOSTNAME", "hostname %q contains invalid characters", h)
	}
	return h, nil
}

// ValidatePublicKey checks a base64-encoded 32-byte Curve25519 key.
func ValidatePublicKey(key string) error {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Errorf(KindInvalidArgument, "BAD_PUBLIC_KEY", "public key is not valid base64: %v", err)
	}
	if len(raw) != 32 {
		return Errorf(KindInvalidArgument, "BAD_PUBLIC_KEY", "public key must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// ValidatePortSpec accepts "", "N", or "N-M" with 1 ≤ N ≤ M ≤ 65535.
func ValidatePortSpec(spec string) error {
	if spec == "" {
		return nil
	}
	var lo, hi int
	if strings.Contains(spec, "-") {
		if _, err := fmt.Sscanf(spec, "%d-%d", &lo, &hi); err != nil {
			return Errorf(KindInvalidArgument, "BAD_PORT", "port range %q is malformed", spec)
		}
	} else {
		if _, err := fmt.Sscanf(spec, "%d", &lo); err != nil {
			return Errorf(KindInvalidArgument, "BAD_PORT", "port %q is not a number", spec)
		}
		hi = lo
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return Errorf(KindInvalidArgument, "BAD_PORT", "port spec %q out of range", spec)
	}
	return nil
}
