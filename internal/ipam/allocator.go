// Package ipam hands out overlay addresses. The hub always owns the first
// host of the overlay network; nodes and client devices draw from two
// disjoint host ranges. Allocation state is read from the projection, so
// the event log stays the single source of truth; callers must pick and
// append under the committer lock to keep pick-then-append atomic.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/projection"
)

// Pool names one of the two host ranges.
type Pool string

const (
	PoolNode   Pool = "node"
	PoolClient Pool = "client"
)

// exhaustionThrottle caps IpamExhausted events to one per pool per hour.
const exhaustionThrottle = time.Hour

type hostRange struct {
	start int // host offset within the network, inclusive
	end   int
}

// Allocator computes free addresses against the projection's lease view.
type Allocator struct {
	network  *net.IPNet
	base     uint32
	pools    map[Pool]hostRange
	cooldown time.Duration
	state    *projection.State
}

// New builds an allocator for the overlay network. Ranges are host offsets
// (e.g. 2..99 inside 10.10.0.0/24 is 10.10.0.2..10.10.0.99) and were
// validated against the mask by config.Validate.
func New(cidr string, nodeStart, nodeEnd, clientStart, clientEnd int, cooldown time.Duration, state *projection.State) (*Allocator, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ipam: parse %q: %w", cidr, err)
	}
	ip4 := network.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("ipam: %q is not an IPv4 network", cidr)
	}
	return &Allocator{
		network: network,
		base:    binary.BigEndian.Uint32(ip4),
		pools: map[Pool]hostRange{
			PoolNode:   {start: nodeStart, end: nodeEnd},
			PoolClient: {start: clientStart, end: clientEnd},
		},
		cooldown: cooldown,
		state:    state,
	}, nil
}

// HubIP is the reserved first host of the overlay network.
func (a *Allocator) HubIP() string {
	return a.ipAt(1)
}

// NetworkCIDR returns the overlay network in CIDR form.
func (a *Allocator) NetworkCIDR() string { return a.network.String() }

// PrefixLen returns the overlay mask length.
func (a *Allocator) PrefixLen() int {
	ones, _ := a.network.Mask.Size()
	return ones
}

// PickFree returns the lowest address in the pool that is neither leased
// nor cooling down at now. It fails with IP_POOL_EXHAUSTED when the range
// is fully occupied.
func (a *Allocator) PickFree(pool Pool, now time.Time) (string, error) {
	r, ok := a.pools[pool]
	if !ok {
		return "", core.Errorf(core.KindInvalidArgument, "UNKNOWN_POOL", "no pool named %q", pool)
	}
	for off := r.start; off <= r.end; off++ {
		ip := a.ipAt(off)
		if !a.state.IPUnavailable(ip, now) {
			return ip, nil
		}
	}
	return "", core.Errorf(core.KindPoolExhausted, "IP_POOL_EXHAUSTED",
		"pool %q (%s-%s) has no free addresses", pool, a.ipAt(r.start), a.ipAt(r.end))
}

// CooldownUntil computes when an address released at now may be reused.
func (a *Allocator) CooldownUntil(now time.Time) time.Time {
	return now.Add(a.cooldown).UTC().Truncate(time.Microsecond)
}

// ShouldSignalExhaustion reports whether an IpamExhausted event may be
// emitted for the pool, throttled to one per hour.
func (a *Allocator) ShouldSignalExhaustion(pool Pool, now time.Time) bool {
	last, ok := a.state.LastExhausted(string(pool))
	if !ok {
		return true
	}
	return now.Sub(last) >= exhaustionThrottle
}

// Contains reports whether ip falls inside the named pool's range.
func (a *Allocator) Contains(ip string, pool Pool) bool {
	off, err := a.offsetOf(ip)
	if err != nil {
		return false
	}
	r, ok := a.pools[pool]
	return ok && off >= r.start && off <= r.end
}

// Capacity returns the total and free host counts of a pool at now.
func (a *Allocator) Capacity(pool Pool, now time.Time) (total, free int) {
	r, ok := a.pools[pool]
	if !ok {
		return 0, 0
	}
	total = r.end - r.start + 1
	for off := r.start; off <= r.end; off++ {
		if !a.state.IPUnavailable(a.ipAt(off), now) {
			free++
		}
	}
	return total, free
}

func (a *Allocator) ipAt(hostOffset int) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], a.base+uint32(hostOffset))
	return net.IP(buf[:]).String()
}

func (a *Allocator) offsetOf(ip string) (int, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("ipam: bad ip %q", ip)
	}
	ip4 := parsed.To4()
	if ip4 == nil || !a.network.Contains(parsed) {
		return 0, fmt.Errorf("ipam: %q outside %s", ip, a.network)
	}
	return int(binary.BigEndian.Uint32(ip4) - a.base), nil
}
