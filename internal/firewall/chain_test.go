package firewall

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztmesh/ztmesh/internal/policy"
)

// fakeTables models just enough netfilter to validate the swap: user chains
// hold rulespecs, INPUT holds jumps, renames carry references along (kernel
// jumps are pointers, not names), and referenced chains refuse deletion.
// After every mutation it checks the coverage invariant: once a ZT jump is
// hooked, the first hooked jump must always target an existing chain whose
// final rule is DROP.
type fakeTables struct {
	t          *testing.T
	chains     map[string][][]string
	input      [][]string
	hooked     bool
	violations []string
}

func newFakeTables(t *testing.T) *fakeTables {
	return &fakeTables{t: t, chains: map[string][][]string{}}
}

func (f *fakeTables) ChainExists(table, chain string) (bool, error) {
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeTables) ClearChain(table, chain string) error {
	f.chains[chain] = [][]string{}
	f.check()
	return nil
}

func (f *fakeTables) RenameChain(table, oldChain, newChain string) error {
	rules, ok := f.chains[oldChain]
	if !ok {
		return fmt.Errorf("chain %s does not exist", oldChain)
	}
	if _, taken := f.chains[newChain]; taken {
		return fmt.Errorf("chain %s already exists", newChain)
	}
	delete(f.chains, oldChain)
	f.chains[newChain] = rules
	for i, rule := range f.input {
		if target(rule) == oldChain {
			renamed := append([]string{}, rule...)
			renamed[len(renamed)-1] = newChain
			f.input[i] = renamed
		}
	}
	f.check()
	return nil
}

func (f *fakeTables) Append(table, chain string, rulespec ...string) error {
	rules, ok := f.chains[chain]
	if !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	f.chains[chain] = append(rules, rulespec)
	f.check()
	return nil
}

func (f *fakeTables) InsertUnique(table, chain string, pos int, rulespec ...string) error {
	if chain != "INPUT" {
		return fmt.Errorf("unexpected insert into %s", chain)
	}
	for _, rule := range f.input {
		if specEqual(rule, rulespec) {
			return nil
		}
	}
	f.input = append(f.input[:pos-1], append([][]string{rulespec}, f.input[pos-1:]...)...)
	f.check()
	return nil
}

func (f *fakeTables) DeleteIfExists(table, chain string, rulespec ...string) error {
	if chain != "INPUT" {
		return fmt.Errorf("unexpected delete from %s", chain)
	}
	for i, rule := range f.input {
		if specEqual(rule, rulespec) {
			f.input = append(f.input[:i], f.input[i+1:]...)
			break
		}
	}
	f.check()
	return nil
}

func (f *fakeTables) ClearAndDeleteChain(table, chain string) error {
	if _, ok := f.chains[chain]; !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	for _, rule := range f.input {
		if target(rule) == chain {
			return fmt.Errorf("chain %s is referenced", chain)
		}
	}
	delete(f.chains, chain)
	f.check()
	return nil
}

// check records a violation whenever the hook does not land on a complete
// DROP-terminated chain.
func (f *fakeTables) check() {
	f.t.Helper()
	for _, rule := range f.input {
		chain := target(rule)
		if !strings.HasPrefix(chain, "ZT_ACL") {
			continue
		}
		f.hooked = true
		rules, ok := f.chains[chain]
		if !ok {
			f.violations = append(f.violations, fmt.Sprintf("jump to missing chain %s", chain))
			return
		}
		if len(rules) == 0 || target(rules[len(rules)-1]) != "DROP" {
			f.violations = append(f.violations, fmt.Sprintf("chain %s does not end in DROP", chain))
		}
		return
	}
	if f.hooked {
		f.violations = append(f.violations, "no ZT jump on INPUT after hooking")
	}
}

func target(rulespec []string) string {
	for i := 0; i < len(rulespec)-1; i++ {
		if rulespec[i] == "-j" {
			return rulespec[i+1]
		}
	}
	return ""
}

func specEqual(a, b []string) bool {
	return strings.Join(a, " ") == strings.Join(b, " ")
}

func testRules() []policy.Rule {
	return []policy.Rule{
		{Src: "10.10.0.2", Proto: "tcp", Port: "5432", Action: "ACCEPT", Priority: 100, Comment: "app-to-db"},
		{Src: "any", Proto: "any", Action: "DROP", Comment: "default deny"},
	}
}

func TestBuildSpecs(t *testing.T) {
	specs := BuildSpecs(testRules())
	require.Len(t, specs, 3)
	assert.Equal(t, []string{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"}, specs[0])
	assert.Equal(t, []string{"-s", "10.10.0.2", "-p", "tcp", "--dport", "5432", "-m", "comment", "--comment", "app-to-db", "-j", "ACCEPT"}, specs[1])
	assert.Equal(t, []string{"-m", "comment", "--comment", "default deny", "-j", "DROP"}, specs[2])
}

func TestBuildSpecsAlwaysTerminatesInDrop(t *testing.T) {
	cases := []struct {
		name  string
		rules []policy.Rule
	}{
		{"empty plan", nil},
		{"no default deny row", []policy.Rule{{Src: "10.10.0.2", Proto: "tcp", Port: "22", Action: "ACCEPT"}}},
		{"with default deny row", testRules()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			specs := BuildSpecs(tc.rules)
			last := specs[len(specs)-1]
			assert.Equal(t, "DROP", target(last))

			conntrack := 0
			for _, spec := range specs {
				if strings.Contains(strings.Join(spec, " "), "ESTABLISHED,RELATED") {
					conntrack++
				}
			}
			assert.Equal(t, 1, conntrack, "exactly one conntrack acceptor")
		})
	}
}

func TestBuildSpecsPortRange(t *testing.T) {
	specs := BuildSpecs([]policy.Rule{
		{Src: "10.10.0.5", Proto: "tcp", Port: "8000-8100", Action: "ACCEPT"},
	})
	assert.Contains(t, specs[1], "8000:8100")
}

func TestBuildSpecsClampsComment(t *testing.T) {
	long := strings.Repeat("x", 300)
	specs := BuildSpecs([]policy.Rule{
		{Src: "10.10.0.5", Proto: "tcp", Port: "22", Action: "ACCEPT", Comment: long},
	})
	for _, field := range specs[1] {
		assert.LessOrEqual(t, len(field), maxCommentLen)
	}
}

func TestApplyFirstBoot(t *testing.T) {
	fake := newFakeTables(t)
	ctl := newWith(fake, "wg0")

	require.NoError(t, ctl.Apply(testRules()))

	assert.Empty(t, fake.violations)
	require.Len(t, fake.input, 1)
	assert.Equal(t, []string{"-i", "wg0", "-j", "ZT_ACL"}, fake.input[0])
	assert.Equal(t, BuildSpecs(testRules()), fake.chains[Chain])
	assert.NotContains(t, fake.chains, stagingChain)
	assert.NotContains(t, fake.chains, retiredChain)
}

func TestApplySwapNeverDropsCoverage(t *testing.T) {
	fake := newFakeTables(t)
	ctl := newWith(fake, "wg0")

	require.NoError(t, ctl.Apply(testRules()))

	next := []policy.Rule{
		{Src: "10.10.0.3", Proto: "tcp", Port: "22", Action: "ACCEPT", Priority: 100, Comment: "ops-ssh"},
		{Src: "any", Proto: "any", Action: "DROP", Comment: "default deny"},
	}
	require.NoError(t, ctl.Apply(next))

	assert.Empty(t, fake.violations, "hook must always land on a DROP-terminated chain")
	require.Len(t, fake.input, 1)
	assert.Equal(t, BuildSpecs(next), fake.chains[Chain])
	assert.NotContains(t, fake.chains, stagingChain)
	assert.NotContains(t, fake.chains, retiredChain)
}

func TestApplyHealsCrashLeftovers(t *testing.T) {
	fake := newFakeTables(t)
	// A previous apply died after promoting the new generation but before
	// dropping the retired one: both chains exist, both are hooked.
	fake.chains[Chain] = BuildSpecs(testRules())
	fake.chains[retiredChain] = BuildSpecs(nil)
	fake.input = [][]string{
		{"-i", "wg0", "-j", Chain},
		{"-i", "wg0", "-j", retiredChain},
	}

	ctl := newWith(fake, "wg0")
	require.NoError(t, ctl.Apply(testRules()))

	assert.Empty(t, fake.violations)
	require.Len(t, fake.input, 1)
	assert.Equal(t, []string{"-i", "wg0", "-j", "ZT_ACL"}, fake.input[0])
	assert.NotContains(t, fake.chains, retiredChain)
	assert.NotContains(t, fake.chains, stagingChain)
}

func TestApplyHealsRetiredOnlyLeftover(t *testing.T) {
	fake := newFakeTables(t)
	// Crash between the two renames: only the retired generation exists and
	// it still holds the hook.
	fake.chains[retiredChain] = BuildSpecs(testRules())
	fake.input = [][]string{{"-i", "wg0", "-j", retiredChain}}
	fake.hooked = true

	ctl := newWith(fake, "wg0")
	require.NoError(t, ctl.Apply(testRules()))

	assert.Empty(t, fake.violations)
	require.Len(t, fake.input, 1)
	assert.Equal(t, []string{"-i", "wg0", "-j", "ZT_ACL"}, fake.input[0])
	assert.NotContains(t, fake.chains, retiredChain)
}

func TestTeardownRemovesEverything(t *testing.T) {
	fake := newFakeTables(t)
	ctl := newWith(fake, "wg0")

	require.NoError(t, ctl.Apply(testRules()))

	// Teardown is allowed to unhook; stop invariant checking.
	fake.hooked = false
	require.NoError(t, ctl.Teardown())

	assert.Empty(t, fake.input)
	assert.Empty(t, fake.chains)

	require.NoError(t, ctl.Teardown(), "teardown must be repeatable")
}
