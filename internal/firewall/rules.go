// Package firewall manages the ZT_ACL netfilter chain on the overlay
// interface. The chain carries one conntrack acceptor, one rule per compiled
// plan entry and a terminal DROP; rebuilds go through a staging chain so the
// hook never points at a half-built or permissive chain.
package firewall

import (
	"strings"

	"github.com/ztmesh/ztmesh/internal/policy"
)

const (
	// Table is the netfilter table all chains live in.
	Table = "filter"
	// Chain is the live chain hooked from INPUT.
	Chain = "ZT_ACL"

	stagingChain = "ZT_ACL_STG"
	retiredChain = "ZT_ACL_OLD"

	// maxCommentLen is the iptables comment match limit.
	maxCommentLen = 255
)

// BuildSpecs renders compiled rules as iptables rulespecs. The conntrack
// acceptor always comes first and the chain always ends in DROP, even when
// the plan arrives without its default-deny row.
func BuildSpecs(rules []policy.Rule) [][]string {
	specs := [][]string{
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
	terminal := false
	for i, r := range rules {
		spec := ruleSpec(r)
		specs = append(specs, spec)
		if i == len(rules)-1 && isCatchAllDrop(r) {
			terminal = true
		}
	}
	if !terminal {
		specs = append(specs, []string{"-j", "DROP"})
	}
	return specs
}

// ruleSpec renders one compiled rule. Match arguments come before the
// comment and the jump, the order iptables prints them back in.
func ruleSpec(r policy.Rule) []string {
	var spec []string
	if r.Src != "" && r.Src != "any" {
		spec = append(spec, "-s", r.Src)
	}
	if r.Dst != "" && r.Dst != "any" {
		spec = append(spec, "-d", r.Dst)
	}
	proto := strings.ToLower(r.Proto)
	if proto != "" && proto != "any" {
		spec = append(spec, "-p", proto)
		if r.Port != "" && r.Port != "any" {
			spec = append(spec, "--dport", portSpec(r.Port))
		}
	}
	if r.Comment != "" {
		spec = append(spec, "-m", "comment", "--comment", clampComment(r.Comment))
	}
	return append(spec, "-j", strings.ToUpper(r.Action))
}

// portSpec converts the policy range separator to the iptables one
// ("8000-8100" to "8000:8100").
func portSpec(port string) string {
	return strings.ReplaceAll(port, "-", ":")
}

func clampComment(c string) string {
	if len(c) > maxCommentLen {
		return c[:maxCommentLen]
	}
	return c
}

// isCatchAllDrop recognizes the compiler's default-deny row.
func isCatchAllDrop(r policy.Rule) bool {
	anyOf := func(s string) bool { return s == "" || s == "any" }
	return strings.EqualFold(r.Action, "DROP") &&
		anyOf(r.Src) && anyOf(r.Dst) && anyOf(strings.ToLower(r.Proto)) && anyOf(r.Port)
}
