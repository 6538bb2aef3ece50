package events

import (
	"time"

	"github.com/ztmesh/ztmesh/internal/core"
)

// NodeRegistered is appended when an agent first enrolls. The node starts
// in pending and owns no overlay address yet.
type NodeRegistered struct {
	Hostname     string    `json:"hostname"`
	Role         core.Role `json:"role"`
	PublicKey    string    `json:"public_key"`
	RealIP       string    `json:"real_ip,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty"`
	OSInfo       string    `json:"os_info,omitempty"`
}

// NodeApproved activates a pending node. OverlayIP is denormalized here so
// a projection replay never has to join against the IPAM aggregate.
type NodeApproved struct {
	ApprovedBy string `json:"approved_by"`
	OverlayIP  string `json:"overlay_ip"`
}

type NodeSuspended struct {
	Reason string `json:"reason,omitempty"`
	By     string `json:"by"`
}

type NodeResumed struct {
	By string `json:"by"`
}

// NodeRevoked is terminal. PublicKey is carried so the key blacklist can be
// rebuilt from the log alone.
type NodeRevoked struct {
	Reason    string `json:"reason,omitempty"`
	By        string `json:"by"`
	PublicKey string `json:"public_key"`
}

type NodeKeyRotationRequested struct {
	Deadline time.Time `json:"deadline"`
	By       string    `json:"by"`
}

type NodeKeyRotated struct {
	OldKey string `json:"old_key"`
	NewKey string `json:"new_key"`
}

// IPAllocated records a lease from one of the pools. Aggregate ID is the IP
// itself so per-address history lines up under one stream.
type IPAllocated struct {
	IP        string `json:"ip"`
	OwnerID   string `json:"owner_id"`
	OwnerType string `json:"owner_type"` // node | client_device
	Pool      string `json:"pool"`       // node | client
}

type IPReleased struct {
	IP            string    `json:"ip"`
	OwnerID       string    `json:"owner_id"`
	CoolDownUntil time.Time `json:"cool_down_until"`
}

// IPAMExhausted is throttled to at most one event per pool per hour.
type IPAMExhausted struct {
	Pool      string `json:"pool"`
	Requested string `json:"requested_for"`
}

type UserCreated struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Department  string `json:"department,omitempty"`
}

type UserUpdated struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Department  string `json:"department,omitempty"`
	Status      string `json:"status,omitempty"`
}

type UserDeleted struct {
	By string `json:"by"`
}

type GroupCreated struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type GroupUpdated struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type GroupDeleted struct {
	By string `json:"by"`
}

type GroupMemberAdded struct {
	UserID string `json:"user_id"`
}

type GroupMemberRemoved struct {
	UserID string `json:"user_id"`
}

// AccessPolicyChange is shared by create and update events; deletes carry
// only the actor.
type AccessPolicyChange struct {
	Name     string            `json:"name"`
	Subject  core.Subject      `json:"subject"`
	Resource core.Resource     `json:"resource"`
	Action   core.PolicyAction `json:"action"`
	Priority int               `json:"priority"`
	Enabled  bool              `json:"enabled"`
}

type AccessPolicyDeleted struct {
	By string `json:"by"`
}

type NetworkPolicyChange struct {
	Name     string               `json:"name,omitempty"`
	SrcRole  core.Role            `json:"src_role"`
	DstRole  core.Role            `json:"dst_role"`
	Protocol core.Protocol        `json:"protocol"`
	Port     string               `json:"port,omitempty"`
	Action   core.FirewallVerdict `json:"action"`
	Priority int                  `json:"priority"`
	Enabled  bool                 `json:"enabled"`
}

type NetworkPolicyDeleted struct {
	By string `json:"by"`
}

// ClientDeviceCreated stores the device identity, the secretbox-encrypted
// private key, and the SHA-256 of the one-shot config token. The clear token
// and clear private key never enter the log.
type ClientDeviceCreated struct {
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	OverlayIP     string          `json:"overlay_ip"`
	TunnelMode    core.TunnelMode `json:"tunnel_mode"`
	PublicKey     string          `json:"public_key"`
	PrivateKeyEnc string          `json:"private_key_enc"`
	TokenHash     string          `json:"token_hash"`
	SingleUse     bool            `json:"single_use"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

type ClientDeviceRevoked struct {
	Reason string `json:"reason,omitempty"`
	By     string `json:"by"`
}

type ClientConfigDelivered struct {
	RemoteIP string `json:"remote_ip,omitempty"`
}

// TrustScoreChanged is appended only when the composite score moved;
// identical recalculations are suppressed.
type TrustScoreChanged struct {
	Score    int            `json:"score"`
	Previous int            `json:"previous"`
	Risk     string         `json:"risk"`
	Action   string         `json:"action"`
	Inputs   map[string]int `json:"inputs,omitempty"`
}

type WebhookEndpointCreated struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events,omitempty"` // empty matches every type
}

type WebhookEndpointDeleted struct {
	By string `json:"by"`
}

type SchemaMigrated struct {
	From int `json:"from"`
	To   int `json:"to"`
}
