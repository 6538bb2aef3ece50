package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/ztmesh/internal/core"
)

func testEvent(t *testing.T, id int64, typ Type) *Event {
	t.Helper()
	ev, err := New(typ, AggregateNode, "node-1", "admin", "", map[string]string{"k": "v"})
	require.NoError(t, err)
	ev.ID = id
	ev.Version = id
	return ev
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(8)
	all := bus.Subscribe()
	nodesOnly := bus.Subscribe(TypeNodeApproved)
	defer bus.Unsubscribe(all)
	defer bus.Unsubscribe(nodesOnly)

	bus.Publish(testEvent(t, 1, TypeNodeRegistered))
	bus.Publish(testEvent(t, 2, TypeNodeApproved))

	ev := <-all.C
	assert.Equal(t, TypeNodeRegistered, ev.Type)
	ev = <-all.C
	assert.Equal(t, TypeNodeApproved, ev.Type)

	ev = <-nodesOnly.C
	assert.Equal(t, TypeNodeApproved, ev.Type)
	assert.Equal(t, int64(2), ev.ID)
	select {
	case extra := <-nodesOnly.C:
		t.Fatalf("filtered subscriber received %s", extra.Type)
	default:
	}
}

func TestBusDropsOldestAndMarksLag(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for i := int64(1); i <= 5; i++ {
		bus.Publish(testEvent(t, i, TypeNodeRegistered))
	}

	require.True(t, sub.Lagged())
	// The queue holds the two newest events; the oldest were shed.
	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, int64(4), first.ID)
	assert.Equal(t, int64(5), second.ID)

	sub.Reset()
	assert.False(t, sub.Lagged())

	_, dropped := bus.Stats()
	assert.Equal(t, int64(3), dropped)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())
	// double unsubscribe is a no-op
	bus.Unsubscribe(sub)
}

func TestCanonicalIsStable(t *testing.T) {
	ev, err := New(TypeTrustScoreChanged, AggregateNode, "node-9", "system", "req-1", TrustScoreChanged{
		Score:    72,
		Previous: 85,
		Risk:     "medium",
		Action:   "restrict",
		Inputs:   map[string]int{"role_weight": 85, "device_health": 60, "behavior": 70, "security_events": 75},
	})
	require.NoError(t, err)
	ev.Version = 3

	a := ev.Canonical()
	b := ev.Canonical()
	assert.Equal(t, a, b)

	// decoding and re-canonicalizing a round-tripped envelope matches
	var back Event
	line, err := ev.NDJSON()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &back))
	assert.Equal(t, a, back.Canonical())
}

func TestCanonicalExcludesStoreFields(t *testing.T) {
	ev := testEvent(t, 0, TypeNodeRegistered)
	before := ev.Canonical()
	ev.ID = 42
	ev.Hash = "deadbeef"
	assert.Equal(t, before, ev.Canonical(), "ID and Hash must not affect the chain input")
}

func TestDecodePayload(t *testing.T) {
	ev, err := New(TypeNodeRegistered, AggregateNode, "node-1", "agent", "", NodeRegistered{
		Hostname:  "web-01",
		Role:      core.RoleApp,
		PublicKey: "pk",
	})
	require.NoError(t, err)

	var got NodeRegistered
	require.NoError(t, ev.Decode(&got))
	assert.Equal(t, "web-01", got.Hostname)
	assert.Equal(t, core.RoleApp, got.Role)
}

func BenchmarkBusPublish(b *testing.B) {
	bus := NewBus(1024)
	for i := 0; i < 8; i++ {
		sub := bus.Subscribe()
		go func() {
			for range sub.C {
			}
		}()
	}
	ev := MustNew(TypeNodeApproved, AggregateNode, "node-1", "admin", "", NodeApproved{ApprovedBy: "admin", OverlayIP: "10.10.0.2"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev.ID = int64(i)
		bus.Publish(ev)
	}
}
