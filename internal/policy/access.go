package policy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/projection"
)

// Decision is the outcome of one access evaluation.
type Decision struct {
	Allowed         bool   `json:"allowed"`
	Action          string `json:"action"`
	MatchedPolicyID string `json:"matched_policy_id,omitempty"`
	Reason          string `json:"reason"`
}

func denied(reason string) Decision {
	return Decision{Allowed: false, Action: string(core.ActionDeny), Reason: reason}
}

// Evaluator answers user-to-resource questions against the projection. It
// is a pure read: evaluating never mutates state or emits events.
type Evaluator struct {
	state *projection.State
}

func NewEvaluator(state *projection.State) *Evaluator {
	return &Evaluator{state: state}
}

// Evaluate resolves the subject (user id, falling back to email), collects
// the enabled policies that reach the user directly or through a group and
// whose resource matches, and applies the highest-priority one. A deny and
// an allow tied on priority resolve to deny. No match is a deny.
func (e *Evaluator) Evaluate(subject string, resource core.Resource) Decision {
	user, ok := e.state.UserByID(subject)
	if !ok {
		user, ok = e.state.UserByEmail(subject)
	}
	if !ok {
		return denied("user not found")
	}
	if user.Status != "active" {
		return denied(fmt.Sprintf("user status is %s", user.Status))
	}

	groups := make(map[string]bool)
	for _, gid := range e.state.GroupsForUser(user.ID) {
		groups[gid] = true
	}

	var (
		best     *core.AccessPolicy
		bestDeny bool
	)
	for _, p := range e.state.ListAccessPolicies() {
		if !p.Enabled {
			continue
		}
		if !subjectCovers(p.Subject, user.ID, groups) {
			continue
		}
		if !ResourceMatches(p.Resource, resource) {
			continue
		}
		switch {
		case best == nil || p.Priority > best.Priority:
			cp := p
			best = &cp
			bestDeny = p.Action == core.ActionDeny
		case p.Priority == best.Priority && !bestDeny && p.Action == core.ActionDeny:
			// Equal priority, conflicting verdicts: deny wins.
			cp := p
			best = &cp
			bestDeny = true
		}
	}

	if best == nil {
		return denied("no matching policy (default deny)")
	}
	return Decision{
		Allowed:         best.Action == core.ActionAllow,
		Action:          string(best.Action),
		MatchedPolicyID: best.ID,
		Reason:          fmt.Sprintf("matched policy %s", best.Name),
	}
}

func subjectCovers(s core.Subject, userID string, groups map[string]bool) bool {
	switch s.Type {
	case core.SubjectUser:
		return s.ID == userID
	case core.SubjectGroup:
		return groups[s.ID]
	default:
		return false
	}
}

// ResourceMatches applies the per-type match rules. Types must agree; a
// domain policy never matches an overlay_ip lookup.
func ResourceMatches(pattern core.Resource, res core.Resource) bool {
	if pattern.Type != res.Type {
		return false
	}
	switch pattern.Type {
	case core.ResourceDomain:
		return domainMatches(pattern.Value, res.Value)
	case core.ResourceOverlayIP:
		return ipMatches(pattern.Value, res.Value)
	case core.ResourcePort:
		return portMatches(pattern.Value, res.Value)
	case core.ResourceRole:
		return strings.EqualFold(pattern.Value, res.Value)
	default:
		return false
	}
}

// domainMatches implements the wildcard rules: "*.X" matches exactly one
// extra label in front of X, "**.X" matches any depth, anything else is an
// exact hostname.
func domainMatches(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	switch {
	case strings.HasPrefix(pattern, "**."):
		base := pattern[len("**."):]
		return strings.HasSuffix(host, "."+base) && len(host) > len(base)+1
	case strings.HasPrefix(pattern, "*."):
		base := pattern[len("*."):]
		if !strings.HasSuffix(host, "."+base) {
			return false
		}
		label := host[:len(host)-len(base)-1]
		return label != "" && !strings.Contains(label, ".")
	default:
		return host == pattern
	}
}

// ipMatches accepts an exact address or a CIDR pattern.
func ipMatches(pattern, value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	if strings.Contains(pattern, "/") {
		_, cidr, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		return cidr.Contains(ip)
	}
	p := net.ParseIP(pattern)
	return p != nil && p.Equal(ip)
}

// portMatches accepts an exact port or an inclusive "lo-hi" range.
func portMatches(pattern, value string) bool {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if lo, hi, ok := strings.Cut(pattern, "-"); ok {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		return err1 == nil && err2 == nil && l <= port && port <= h
	}
	p, err := strconv.Atoi(pattern)
	return err == nil && p == port
}

// ValidateAccessPolicy rejects malformed user/group rules before they reach
// the log.
func ValidateAccessPolicy(p core.AccessPolicy) error {
	switch p.Subject.Type {
	case core.SubjectUser, core.SubjectGroup:
	default:
		return core.Errorf(core.KindInvalidArgument, "BAD_SUBJECT", "subject type must be user or group")
	}
	if p.Subject.ID == "" {
		return core.Errorf(core.KindInvalidArgument, "BAD_SUBJECT", "subject id is required")
	}
	switch p.Resource.Type {
	case core.ResourceDomain, core.ResourceOverlayIP, core.ResourcePort, core.ResourceRole:
	default:
		return core.Errorf(core.KindInvalidArgument, "BAD_RESOURCE", "unknown resource type %q", p.Resource.Type)
	}
	if p.Resource.Value == "" {
		return core.Errorf(core.KindInvalidArgument, "BAD_RESOURCE", "resource value is required")
	}
	if p.Resource.Type == core.ResourcePort {
		if err := core.ValidatePortSpec(p.Resource.Value); err != nil {
			return err
		}
	}
	switch p.Action {
	case core.ActionAllow, core.ActionDeny:
	default:
		return core.Errorf(core.KindInvalidArgument, "BAD_ACTION", "action must be allow or deny")
	}
	return nil
}
