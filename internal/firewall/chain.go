package firewall

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/coreos/go-iptables/iptables"

	"github.com/ztmesh/ztmesh/internal/policy"
)

// ErrUnsupported marks hosts without a usable iptables. The agent refuses to
// start on such hosts (exit code 2).
var ErrUnsupported = errors.New("iptables unavailable")

// ipTables is the slice of go-iptables the controller needs. Tests swap in a
// recording fake.
type ipTables interface {
	ChainExists(table, chain string) (bool, error)
	ClearChain(table, chain string) error
	RenameChain(table, oldChain, newChain string) error
	Append(table, chain string, rulespec ...string) error
	InsertUnique(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ClearAndDeleteChain(table, chain string) error
}

// Controller owns the ZT_ACL chain and its INPUT hook for one overlay
// interface. Single-writer, like the wireguard manager.
type Controller struct {
	ipt   ipTables
	iface string
}

// New opens an iptables handle for the filter table.
func New(iface string) (*Controller, error) {
	ipt, err := iptables.New(iptables.Timeout(5))
	if err != nil {
		return nil, fmt.Errorf("firewall: %w: %v", ErrUnsupported, err)
	}
	return &Controller{ipt: ipt, iface: iface}, nil
}

func newWith(ipt ipTables, iface string) *Controller {
	return &Controller{ipt: ipt, iface: iface}
}

// Supported probes for a working iptables by listing the filter table.
func Supported() error {
	ipt, err := iptables.New(iptables.Timeout(5))
	if err != nil {
		return fmt.Errorf("firewall: %w: %v", ErrUnsupported, err)
	}
	if _, err := ipt.ListChains(Table); err != nil {
		return fmt.Errorf("firewall: %w: %v", ErrUnsupported, err)
	}
	return nil
}

// Apply replaces the chain contents with the compiled rules. The next
// generation is fully built in a staging chain, the live chain is retired by
// rename (the INPUT hook follows the rename), the staging chain takes the
// live name and is hooked, and only then is the retired generation dropped.
// At every instant the hook points at a complete chain ending in DROP.
func (c *Controller) Apply(rules []policy.Rule) error {
	specs := BuildSpecs(rules)

	retired, err := c.ipt.ChainExists(Table, retiredChain)
	if err != nil {
		return fmt.Errorf("firewall: check retired chain: %w", err)
	}
	live, err := c.ipt.ChainExists(Table, Chain)
	if err != nil {
		return fmt.Errorf("firewall: check live chain: %w", err)
	}

	// Both generations present means a previous apply crashed after the
	// second rename. The live chain is the newer one; make sure it is
	// hooked, then drop the leftover before it blocks this rename.
	if retired && live {
		if err := c.ipt.InsertUnique(Table, "INPUT", 1, c.jumpSpec(Chain)...); err != nil {
			return fmt.Errorf("firewall: rehook live chain: %w", err)
		}
		if err := c.unhookAndDrop(retiredChain); err != nil {
			return err
		}
		retired = false
	}

	if err := c.ipt.ClearChain(Table, stagingChain); err != nil {
		return fmt.Errorf("firewall: create staging chain: %w", err)
	}
	for _, spec := range specs {
		if err := c.ipt.Append(Table, stagingChain, spec...); err != nil {
			return fmt.Errorf("firewall: stage rule %v: %w", spec, err)
		}
	}

	if live {
		if err := c.ipt.RenameChain(Table, Chain, retiredChain); err != nil {
			return fmt.Errorf("firewall: retire live chain: %w", err)
		}
	}
	if err := c.ipt.RenameChain(Table, stagingChain, Chain); err != nil {
		return fmt.Errorf("firewall: promote staging chain: %w", err)
	}
	if err := c.ipt.InsertUnique(Table, "INPUT", 1, c.jumpSpec(Chain)...); err != nil {
		return fmt.Errorf("firewall: hook chain: %w", err)
	}
	if live || retired {
		if err := c.unhookAndDrop(retiredChain); err != nil {
			return err
		}
	}
	slog.Info("applied firewall chain", "chain", Chain, "rules", len(specs))
	return nil
}

// Teardown removes the hook and every chain generation. Called on isolate,
// revoke and shutdown; safe to repeat.
func (c *Controller) Teardown() error {
	for _, chain := range []string{retiredChain, stagingChain, Chain} {
		exists, err := c.ipt.ChainExists(Table, chain)
		if err != nil {
			return fmt.Errorf("firewall: check chain %s: %w", chain, err)
		}
		if !exists {
			continue
		}
		if err := c.unhookAndDrop(chain); err != nil {
			return err
		}
	}
	slog.Info("removed firewall chain", "chain", Chain)
	return nil
}

// unhookAndDrop deletes a chain's INPUT jump and then the chain itself. The
// jump has to go first; netfilter refuses to delete a referenced chain.
func (c *Controller) unhookAndDrop(chain string) error {
	if err := c.ipt.DeleteIfExists(Table, "INPUT", c.jumpSpec(chain)...); err != nil {
		return fmt.Errorf("firewall: unhook chain %s: %w", chain, err)
	}
	if err := c.ipt.ClearAndDeleteChain(Table, chain); err != nil {
		return fmt.Errorf("firewall: drop chain %s: %w", chain, err)
	}
	return nil
}

func (c *Controller) jumpSpec(chain string) []string {
	return []string{"-i", c.iface, "-j", chain}
}
