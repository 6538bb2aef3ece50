// Package wireguard owns the node's overlay interface: the netlink link, its
// address, the device keys and the peer list. All changes are applied as
// diffs against the live kernel state so an unchanged interface is never
// torn down and existing handshakes survive a replan.
package wireguard

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ztmesh/ztmesh/internal/topology"
)

// ErrUnsupported marks hosts that cannot create a wireguard link. The agent
// refuses to start on such hosts (exit code 2).
var ErrUnsupported = errors.New("wireguard link type unavailable")

// Manager drives one WireGuard interface through netlink and the wg control
// socket. It is single-writer: the enforcement loop is the only caller.
type Manager struct {
	iface  string
	client *wgctrl.Client
}

// NewManager opens the wg control socket for the named interface. The
// interface itself is created lazily by EnsureInterface.
func NewManager(iface string) (*Manager, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wireguard: open control socket: %w", err)
	}
	return &Manager{iface: iface, client: client}, nil
}

func (m *Manager) Close() error {
	return m.client.Close()
}

// Supported probes whether the kernel can create wireguard links by adding
// and removing a scratch link. Any failure means the agent cannot run here.
func Supported() error {
	link := &netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: "ztchk0"}}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("wireguard: remove probe link: %w", err)
	}
	return nil
}

// EnsureInterface brings the link to the desired state: present, addressed,
// up, with the given private key and listen port loaded. Parameters already
// in place are left untouched.
func (m *Manager) EnsureInterface(address string, listenPort int, key wgtypes.Key) error {
	link, err := netlink.LinkByName(m.iface)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("wireguard: look up link %s: %w", m.iface, err)
		}
		wgLink := &netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: m.iface}}
		if err := netlink.LinkAdd(wgLink); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrUnsupported, m.iface, err)
		}
		link, err = netlink.LinkByName(m.iface)
		if err != nil {
			return fmt.Errorf("wireguard: look up created link %s: %w", m.iface, err)
		}
		slog.Info("created wireguard link", "interface", m.iface)
	}

	if err := m.ensureAddress(link, address); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("wireguard: set %s up: %w", m.iface, err)
	}

	dev, err := m.client.Device(m.iface)
	if err != nil {
		return fmt.Errorf("wireguard: read device %s: %w", m.iface, err)
	}
	var cfg wgtypes.Config
	dirty := false
	if dev.PrivateKey != key {
		cfg.PrivateKey = &key
		dirty = true
	}
	if listenPort > 0 && dev.ListenPort != listenPort {
		port := listenPort
		cfg.ListenPort = &port
		dirty = true
	}
	if dirty {
		if err := m.client.ConfigureDevice(m.iface, cfg); err != nil {
			return fmt.Errorf("wireguard: configure device %s: %w", m.iface, err)
		}
	}
	return nil
}

// ensureAddress converges the link's IPv4 addresses on exactly the desired
// one. Stale overlay addresses from a previous plan are removed.
func (m *Manager) ensureAddress(link netlink.Link, address string) error {
	want, err := netlink.ParseAddr(address)
	if err != nil {
		return fmt.Errorf("wireguard: parse address %q: %w", address, err)
	}
	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("wireguard: list addresses on %s: %w", m.iface, err)
	}
	present := false
	for _, addr := range existing {
		if addr.IPNet.String() == want.IPNet.String() {
			present = true
			continue
		}
		if err := netlink.AddrDel(link, &addr); err != nil {
			return fmt.Errorf("wireguard: remove stale address %s: %w", addr.IPNet, err)
		}
		slog.Info("removed stale overlay address", "interface", m.iface, "address", addr.IPNet.String())
	}
	if !present {
		if err := netlink.AddrAdd(link, want); err != nil {
			return fmt.Errorf("wireguard: add address %s: %w", address, err)
		}
	}
	return nil
}

// Delta summarizes one peer reconcile pass.
type Delta struct {
	Added   int
	Updated int
	Removed int
}

func (d Delta) Empty() bool {
	return d.Added == 0 && d.Updated == 0 && d.Removed == 0
}

func (d Delta) String() string {
	return fmt.Sprintf("+%d ~%d -%d", d.Added, d.Updated, d.Removed)
}

// ReconcilePeers diffs the desired peer list against the kernel and applies
// only the difference: new peers are added, drifted peers updated in place,
// peers absent from the plan removed. The device itself is never replaced.
func (m *Manager) ReconcilePeers(peers []topology.Peer) (Delta, error) {
	desired, err := parsePeers(peers)
	if err != nil {
		return Delta{}, err
	}
	dev, err := m.client.Device(m.iface)
	if err != nil {
		return Delta{}, fmt.Errorf("wireguard: read device %s: %w", m.iface, err)
	}
	cfgs, delta := diffPeers(desired, dev.Peers)
	if len(cfgs) == 0 {
		return delta, nil
	}
	if err := m.client.ConfigureDevice(m.iface, wgtypes.Config{Peers: cfgs}); err != nil {
		return delta, fmt.Errorf("wireguard: reconcile peers on %s: %w", m.iface, err)
	}
	return delta, nil
}

// HubHandshakeAge returns how long ago the named peer last completed a
// handshake. A zero time (never) reports a very large age.
func (m *Manager) HubHandshakeAge(publicKey string) (time.Duration, error) {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return 0, fmt.Errorf("wireguard: parse hub key: %w", err)
	}
	dev, err := m.client.Device(m.iface)
	if err != nil {
		return 0, fmt.Errorf("wireguard: read device %s: %w", m.iface, err)
	}
	for _, p := range dev.Peers {
		if p.PublicKey != key {
			continue
		}
		if p.LastHandshakeTime.IsZero() {
			return time.Duration(1<<62 - 1), nil
		}
		return time.Since(p.LastHandshakeTime), nil
	}
	return 0, fmt.Errorf("wireguard: peer %s not on device", key.String()[:8])
}

// Teardown deletes the link, dropping all peers and handshakes with it.
// Safe to call when the link is already gone.
func (m *Manager) Teardown() error {
	link, err := netlink.LinkByName(m.iface)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("wireguard: look up link %s: %w", m.iface, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("wireguard: delete link %s: %w", m.iface, err)
	}
	slog.Info("removed wireguard link", "interface", m.iface)
	return nil
}

// peerSpec is a desired peer with all wire fields parsed.
type peerSpec struct {
	key       wgtypes.Key
	endpoint  *net.UDPAddr
	allowed   []net.IPNet
	keepalive time.Duration
}

func parsePeers(peers []topology.Peer) ([]peerSpec, error) {
	specs := make([]peerSpec, 0, len(peers))
	for _, p := range peers {
		key, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("wireguard: parse peer key: %w", err)
		}
		spec := peerSpec{key: key, keepalive: time.Duration(p.Keepalive) * time.Second}
		if p.Endpoint != "" {
			ep, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("wireguard: resolve endpoint %q: %w", p.Endpoint, err)
			}
			spec.endpoint = ep
		}
		for _, cidr := range p.AllowedIPs {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("wireguard: parse allowed ip %q: %w", cidr, err)
			}
			spec.allowed = append(spec.allowed, *ipnet)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// diffPeers computes the per-peer changes needed to move the kernel to the
// desired set. Updates carry ReplaceAllowedIPs so removed routes actually
// disappear instead of accumulating.
func diffPeers(desired []peerSpec, kernel []wgtypes.Peer) ([]wgtypes.PeerConfig, Delta) {
	var out []wgtypes.PeerConfig
	var delta Delta

	current := make(map[wgtypes.Key]wgtypes.Peer, len(kernel))
	for _, p := range kernel {
		current[p.PublicKey] = p
	}

	seen := make(map[wgtypes.Key]bool, len(desired))
	for _, want := range desired {
		seen[want.key] = true
		have, ok := current[want.key]
		if !ok {
			out = append(out, peerConfig(want, false))
			delta.Added++
			continue
		}
		if peerDrifted(want, have) {
			out = append(out, peerConfig(want, true))
			delta.Updated++
		}
	}
	for _, p := range kernel {
		if !seen[p.PublicKey] {
			out = append(out, wgtypes.PeerConfig{PublicKey: p.PublicKey, Remove: true})
			delta.Removed++
		}
	}
	return out, delta
}

func peerConfig(spec peerSpec, update bool) wgtypes.PeerConfig {
	keepalive := spec.keepalive
	return wgtypes.PeerConfig{
		PublicKey:                   spec.key,
		UpdateOnly:                  update,
		Endpoint:                    spec.endpoint,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  spec.allowed,
		PersistentKeepaliveInterval: &keepalive,
	}
}

// peerDrifted reports whether the kernel peer differs from the plan. A nil
// desired endpoint leaves the kernel's roamed endpoint alone.
func peerDrifted(want peerSpec, have wgtypes.Peer) bool {
	if want.keepalive != have.PersistentKeepaliveInterval {
		return true
	}
	if want.endpoint != nil && !udpEqual(want.endpoint, have.Endpoint) {
		return true
	}
	return !cidrSetEqual(want.allowed, have.AllowedIPs)
}

func udpEqual(a, b *net.UDPAddr) bool {
	if b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func cidrSetEqual(a, b []net.IPNet) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = a[i].String()
	}
	for i := range b {
		bs[i] = b[i].String()
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
