// Package policy compiles the two policy planes. The network plane turns
// role-to-role NetworkPolicies into the per-node firewall rows agents
// enforce; the access plane answers user-to-resource decisions for client
// devices and applications. Both planes read only the projection, so the
// same state always compiles to the same bytes.
package policy

import (
	"fmt"
	"strings"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/projection"
)

// AnyRole matches every role in a NetworkPolicy src or dst.
const AnyRole core.Role = "*"

// Rule is one agent-facing firewall row. Src is a source overlay address
// ("any" on the closing drop row); Dst is left empty because every row in a
// node's plan targets that node.
type Rule struct {
	Src      string `json:"src"`
	Dst      string `json:"dst,omitempty"`
	Proto    string `json:"proto"`
	Port     string `json:"port,omitempty"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
	Comment  string `json:"comment,omitempty"`
}

// portSpecificity ranks port selectors: exact port beats a range beats any.
func portSpecificity(port string) int {
	switch {
	case port == "":
		return 0
	case strings.Contains(port, "-"):
		return 1
	default:
		return 2
	}
}

// CompileTable returns the enabled network policies in enforcement order:
// priority descending, then port specificity, then insertion order. The
// input from the projection is already insertion-ordered, so a stable sort
// preserves it for ties.
func CompileTable(state *projection.State) []core.NetworkPolicy {
	all := state.ListNetworkPolicies()
	table := make([]core.NetworkPolicy, 0, len(all))
	for _, p := range all {
		if p.Enabled {
			table = append(table, p)
		}
	}
	stableSortTable(table)
	return table
}

func stableSortTable(table []core.NetworkPolicy) {
	// Insertion sort keeps equal elements in input order and the tables
	// here are small.
	for i := 1; i < len(table); i++ {
		for j := i; j > 0 && tableLess(table[j], table[j-1]); j-- {
			table[j], table[j-1] = table[j-1], table[j]
		}
	}
}

func tableLess(a, b core.NetworkPolicy) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return portSpecificity(a.Port) > portSpecificity(b.Port)
}

// roleMatches reports whether a policy role selector covers a node role.
func roleMatches(selector, role core.Role) bool {
	return selector == AnyRole || selector == role
}

// RulesForNode expands the compiled table into concrete rows for one node:
// every policy whose dst covers the node's role fans out across the active
// nodes whose role matches src, one row per source address. A node under a
// restrict trust action only keeps rows sourced from the hub. The table
// always closes with the drop-everything row.
func RulesForNode(state *projection.State, node core.Node, table []core.NetworkPolicy) []Rule {
	restricted := node.TrustAction == "restrict"
	sources := state.ListNodes(projection.NodeFilter{Status: core.StatusActive})

	rules := make([]Rule, 0, len(table))
	for _, p := range table {
		if !roleMatches(p.DstRole, node.Role) {
			continue
		}
		for _, src := range sources {
			if src.ID == node.ID || src.OverlayIP == "" {
				continue
			}
			if !roleMatches(p.SrcRole, src.Role) {
				continue
			}
			if restricted && src.Role != core.RoleHub {
				continue
			}
			rules = append(rules, Rule{
				Src:      src.OverlayIP,
				Proto:    string(p.Protocol),
				Port:     p.Port,
				Action:   string(p.Action),
				Priority: p.Priority,
				Comment:  ruleComment(p, src.Role, node.Role),
			})
		}
	}

	rules = append(rules, Rule{
		Src:     "any",
		Proto:   "any",
		Action:  string(core.VerdictDrop),
		Comment: "default deny",
	})
	return rules
}

func ruleComment(p core.NetworkPolicy, src, dst core.Role) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("%s->%s", src, dst)
}

// ValidateNetworkPolicy rejects malformed role-to-role rules before they
// reach the log.
func ValidateNetworkPolicy(p core.NetworkPolicy) error {
	if !core.ValidRole(p.SrcRole) && p.SrcRole != AnyRole {
		return core.Errorf(core.KindInvalidArgument, "BAD_ROLE", "unknown src_role %q", p.SrcRole)
	}
	if !core.ValidRole(p.DstRole) && p.DstRole != AnyRole {
		return core.Errorf(core.KindInvalidArgument, "BAD_ROLE", "unknown dst_role %q", p.DstRole)
	}
	switch p.Protocol {
	case core.ProtoTCP, core.ProtoUDP, core.ProtoICMP, core.ProtoAny:
	default:
		return core.Errorf(core.KindInvalidArgument, "BAD_PROTOCOL", "unknown protocol %q", p.Protocol)
	}
	if p.Protocol == core.ProtoICMP && p.Port != "" {
		return core.Errorf(core.KindInvalidArgument, "BAD_PORT", "icmp rules cannot name a port")
	}
	if err := core.ValidatePortSpec(p.Port); err != nil {
		return err
	}
	switch p.Action {
	case core.VerdictAccept, core.VerdictDrop:
	default:
		return core.Errorf(core.KindInvalidArgument, "BAD_ACTION", "action must be ACCEPT or DROP")
	}
	return nil
}
