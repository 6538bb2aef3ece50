// Package events defines the domain event envelope, the typed payloads, and
// the fan-out buses that push committed events to stream subscribers,
// replica processes, and the off-site audit sink.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event. The wire strings are stable: they appear in the
// event store, on /events/stream, and in webhook deliveries.
type Type string

const (
	TypeNodeRegistered           Type = "NodeRegistered"
	TypeNodeApproved             Type = "NodeApproved"
	TypeNodeSuspended            Type = "NodeSuspended"
	TypeNodeResumed              Type = "NodeResumed"
	TypeNodeRevoked              Type = "NodeRevoked"
	TypeNodeKeyRotationRequested Type = "NodeKeyRotationRequested"
	TypeNodeKeyRotated           Type = "NodeKeyRotated"

	TypeIPAllocated   Type = "IpAllocated"
	TypeIPReleased    Type = "IpReleased"
	TypeIPAMExhausted Type = "IpamExhausted"

	TypeUserCreated        Type = "UserCreated"
	TypeUserUpdated        Type = "UserUpdated"
	TypeUserDeleted        Type = "UserDeleted"
	TypeGroupCreated       Type = "GroupCreated"
	TypeGroupUpdated       Type = "GroupUpdated"
	TypeGroupDeleted       Type = "GroupDeleted"
	TypeGroupMemberAdded   Type = "GroupMemberAdded"
	TypeGroupMemberRemoved Type = "GroupMemberRemoved"

	TypeAccessPolicyCreated  Type = "AccessPolicyCreated"
	TypeAccessPolicyUpdated  Type = "AccessPolicyUpdated"
	TypeAccessPolicyDeleted  Type = "AccessPolicyDeleted"
	TypeNetworkPolicyCreated Type = "NetworkPolicyCreated"
	TypeNetworkPolicyUpdated Type = "NetworkPolicyUpdated"
	TypeNetworkPolicyDeleted Type = "NetworkPolicyDeleted"

	TypeClientDeviceCreated  Type = "ClientDeviceCreated"
	TypeClientDeviceRevoked  Type = "ClientDeviceRevoked"
	TypeClientConfigDelivery Type = "ClientConfigDelivered"

	TypeTrustScoreChanged Type = "TrustScoreChanged"

	TypeWebhookEndpointCreated Type = "WebhookEndpointCreated"
	TypeWebhookEndpointDeleted Type = "WebhookEndpointDeleted"

	TypeSchemaMigrated Type = "SchemaMigrated"
)

// Aggregate type labels used in the envelope.
const (
	AggregateNode          = "node"
	AggregateUser          = "user"
	AggregateGroup         = "group"
	AggregateAccessPolicy  = "access_policy"
	AggregateNetworkPolicy = "network_policy"
	AggregateClientDevice  = "client_device"
	AggregateIPAM          = "ipam"
	AggregateWebhook       = "webhook"
	AggregateSystem        = "system"
)

// Event is the immutable envelope appended to the log. ID is the global log
// position assigned at append time; Version is the per-aggregate sequence.
// Hash chains each event to its predecessor (hex SHA-256).
type Event struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	Type          Type            `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int64           `json:"version"`
	Actor         string          `json:"actor"`
	RequestID     string          `json:"client_request_id,omitempty"`
	Time          time.Time       `json:"time"`
	Data          json.RawMessage `json:"data"`
	Hash          string          `json:"hash,omitempty"`
}

// New builds an unappended event. ID, Version, and Hash are assigned by the
// store; Time is truncated to microseconds so values survive a Postgres
// round trip unchanged.
func New(typ Type, aggregateType, aggregateID, actor, requestID string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Event{
		EventID:       uuid.New().String(),
		Type:          typ,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Actor:         actor,
		RequestID:     requestID,
		Time:          time.Now().UTC().Truncate(time.Microsecond),
		Data:          data,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal (plain structs).
func MustNew(typ Type, aggregateType, aggregateID, actor, requestID string, payload interface{}) *Event {
	ev, err := New(typ, aggregateType, aggregateID, actor, requestID, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// canonicalEnvelope fixes the field order fed into the hash chain. Data is
// the exact payload bytes that were appended.
type canonicalEnvelope struct {
	EventID       string          `json:"event_id"`
	Type          Type            `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int64           `json:"version"`
	Actor         string          `json:"actor"`
	RequestID     string          `json:"client_request_id"`
	Time          string          `json:"time"`
	Data          json.RawMessage `json:"data"`
}

// Canonical returns the deterministic byte form used for integrity hashing.
// It excludes ID and Hash: the chain must verify identically whether events
// come from memory or from a database replay.
func (e *Event) Canonical() []byte {
	env := canonicalEnvelope{
		EventID:       e.EventID,
		Type:          e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		Actor:         e.Actor,
		RequestID:     e.RequestID,
		Time:          e.Time.UTC().Format(time.RFC3339Nano),
		Data:          e.Data,
	}
	b, err := json.Marshal(env)
	if err != nil {
		// envelope fields are all marshalable; Data is already valid JSON
		panic(fmt.Sprintf("canonical encode event %s: %v", e.EventID, err))
	}
	return b
}

// Decode unmarshals the payload into out.
func (e *Event) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NDJSON renders the envelope as a single newline-terminated JSON line for
// /events/stream subscribers.
func (e *Event) NDJSON() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
