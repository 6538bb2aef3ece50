package wireguard

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ztmesh/ztmesh/internal/topology"
)

func testKey(t *testing.T) wgtypes.Key {
	t.Helper()
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func mustCIDR(t *testing.T, s string) net.IPNet {
	t.Helper()
	_, ipnet, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return *ipnet
}

func TestLoadOrCreateKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateKey(dir)
	require.NoError(t, err)

	again, err := LoadOrCreateKey(dir)
	require.NoError(t, err)
	assert.Equal(t, first, again, "second load must return the persisted key")

	info, err := os.Stat(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveKeyReplacesPersistedKey(t *testing.T) {
	dir := t.TempDir()

	old, err := LoadOrCreateKey(dir)
	require.NoError(t, err)

	rotated, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, SaveKey(dir, rotated))
	assert.NotEqual(t, old, rotated)

	loaded, err := LoadOrCreateKey(dir)
	require.NoError(t, err)
	assert.Equal(t, rotated, loaded)
}

func TestLoadOrCreateKeyRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFile), []byte("not a key"), 0o600))

	_, err := LoadOrCreateKey(dir)
	assert.Error(t, err)
}

func TestParsePeers(t *testing.T) {
	good := topology.Peer{
		PublicKey:  testKey(t).String(),
		Endpoint:   "203.0.113.9:51820",
		AllowedIPs: []string{"10.10.0.0/24"},
		Keepalive:  25,
	}

	specs, err := parsePeers([]topology.Peer{good})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, 25*time.Second, specs[0].keepalive)
	assert.Equal(t, 51820, specs[0].endpoint.Port)
	require.Len(t, specs[0].allowed, 1)
	assert.Equal(t, "10.10.0.0/24", specs[0].allowed[0].String())

	cases := []struct {
		name string
		peer topology.Peer
	}{
		{"bad key", topology.Peer{PublicKey: "garbage", AllowedIPs: []string{"10.10.0.2/32"}}},
		{"bad endpoint", topology.Peer{PublicKey: good.PublicKey, Endpoint: "no-port", AllowedIPs: []string{"10.10.0.2/32"}}},
		{"bad cidr", topology.Peer{PublicKey: good.PublicKey, AllowedIPs: []string{"10.10.0.2/99"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePeers([]topology.Peer{tc.peer})
			assert.Error(t, err)
		})
	}
}

func TestDiffPeersAddsUpdatesRemoves(t *testing.T) {
	keyKeep := testKey(t)
	keyNew := testKey(t)
	keyGone := testKey(t)

	desired := []peerSpec{
		{key: keyKeep, allowed: []net.IPNet{mustCIDR(t, "10.10.0.3/32"), mustCIDR(t, "10.10.0.4/32")}},
		{key: keyNew, allowed: []net.IPNet{mustCIDR(t, "10.10.0.5/32")}, keepalive: 25 * time.Second},
	}
	kernel := []wgtypes.Peer{
		{PublicKey: keyKeep, AllowedIPs: []net.IPNet{mustCIDR(t, "10.10.0.3/32")}},
		{PublicKey: keyGone, AllowedIPs: []net.IPNet{mustCIDR(t, "10.10.0.9/32")}},
	}

	cfgs, delta := diffPeers(desired, kernel)
	assert.Equal(t, Delta{Added: 1, Updated: 1, Removed: 1}, delta)
	require.Len(t, cfgs, 3)

	byKey := map[wgtypes.Key]wgtypes.PeerConfig{}
	for _, c := range cfgs {
		byKey[c.PublicKey] = c
	}

	update := byKey[keyKeep]
	assert.True(t, update.UpdateOnly, "existing peer must be updated in place")
	assert.True(t, update.ReplaceAllowedIPs)
	assert.Len(t, update.AllowedIPs, 2)

	add := byKey[keyNew]
	assert.False(t, add.UpdateOnly)
	require.NotNil(t, add.PersistentKeepaliveInterval)
	assert.Equal(t, 25*time.Second, *add.PersistentKeepaliveInterval)

	gone := byKey[keyGone]
	assert.True(t, gone.Remove)
}

func TestDiffPeersNoChangeIsEmpty(t *testing.T) {
	key := testKey(t)
	keepalive := 25 * time.Second
	endpoint := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}

	desired := []peerSpec{{
		key:       key,
		endpoint:  endpoint,
		allowed:   []net.IPNet{mustCIDR(t, "10.10.0.0/24")},
		keepalive: keepalive,
	}}
	kernel := []wgtypes.Peer{{
		PublicKey:                   key,
		Endpoint:                    &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820},
		AllowedIPs:                  []net.IPNet{mustCIDR(t, "10.10.0.0/24")},
		PersistentKeepaliveInterval: keepalive,
	}}

	cfgs, delta := diffPeers(desired, kernel)
	assert.Empty(t, cfgs)
	assert.True(t, delta.Empty())
}

func TestDiffPeersToleratesRoamedEndpoint(t *testing.T) {
	key := testKey(t)

	// Plan carries no endpoint for this peer; the kernel learned one from
	// live traffic. That must not count as drift.
	desired := []peerSpec{{key: key, allowed: []net.IPNet{mustCIDR(t, "10.10.0.7/32")}}}
	kernel := []wgtypes.Peer{{
		PublicKey:  key,
		Endpoint:   &net.UDPAddr{IP: net.ParseIP("198.51.100.40"), Port: 40123},
		AllowedIPs: []net.IPNet{mustCIDR(t, "10.10.0.7/32")},
	}}

	cfgs, delta := diffPeers(desired, kernel)
	assert.Empty(t, cfgs)
	assert.True(t, delta.Empty())
}

func TestDiffPeersEndpointChangeIsDrift(t *testing.T) {
	key := testKey(t)

	desired := []peerSpec{{
		key:      key,
		endpoint: &net.UDPAddr{IP: net.ParseIP("203.0.113.10"), Port: 51820},
		allowed:  []net.IPNet{mustCIDR(t, "10.10.0.0/24")},
	}}
	kernel := []wgtypes.Peer{{
		PublicKey:  key,
		Endpoint:   &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820},
		AllowedIPs: []net.IPNet{mustCIDR(t, "10.10.0.0/24")},
	}}

	cfgs, delta := diffPeers(desired, kernel)
	require.Len(t, cfgs, 1)
	assert.Equal(t, Delta{Updated: 1}, delta)
	assert.True(t, cfgs[0].UpdateOnly)
}

func TestCIDRSetEqualIgnoresOrder(t *testing.T) {
	a := []net.IPNet{mustCIDR(t, "10.10.0.2/32"), mustCIDR(t, "10.10.0.3/32")}
	b := []net.IPNet{mustCIDR(t, "10.10.0.3/32"), mustCIDR(t, "10.10.0.2/32")}
	assert.True(t, cidrSetEqual(a, b))
	assert.False(t, cidrSetEqual(a, b[:1]))
}

func TestDeltaString(t *testing.T) {
	assert.Equal(t, "+1 ~2 -3", Delta{Added: 1, Updated: 2, Removed: 3}.String())
}
