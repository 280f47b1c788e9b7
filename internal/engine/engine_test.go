package engine

import (
	"bytes"
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ddnsfw/internal/config"
	"ddnsfw/internal/firewall"
	"ddnsfw/internal/state"
	"ddnsfw/logger"
)

func TestMain(m *testing.M) {
	if err := logger.InitLogger("production"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeFirewall simulates the iptables adapter, recording every mutating
// call in order.
type fakeFirewall struct {
	rules      firewall.RuleSet
	failAdds   map[firewall.RuleKey]int
	failDelete map[firewall.RuleKey]bool
	ops        []string
}

func newFakeFirewall(initial ...firewall.RuleKey) *fakeFirewall {
	f := &fakeFirewall{
		rules:      make(firewall.RuleSet),
		failAdds:   make(map[firewall.RuleKey]int),
		failDelete: make(map[firewall.RuleKey]bool),
	}
	for _, k := range initial {
		f.rules[k] = struct{}{}
	}
	return f
}

func (f *fakeFirewall) ListTaggedRules() firewall.RuleSet {
	out := make(firewall.RuleSet, len(f.rules))
	for k := range f.rules {
		out[k] = struct{}{}
	}
	return out
}

func (f *fakeFirewall) RuleExists(k firewall.RuleKey) bool {
	return f.rules.Contains(k)
}

func (f *fakeFirewall) AddRule(k firewall.RuleKey) bool {
	f.ops = append(f.ops, "add "+k.String())
	if f.failAdds[k] > 0 {
		f.failAdds[k]--
		return false
	}
	f.rules[k] = struct{}{}
	return true
}

func (f *fakeFirewall) DeleteRule(k firewall.RuleKey) bool {
	f.ops = append(f.ops, "del "+k.String())
	if f.failDelete[k] {
		return false
	}
	delete(f.rules, k)
	return true
}

// fakeResolver answers from a fixed table; absent hostnames fail.
type fakeResolver struct {
	addrs map[string]netip.Addr
}

func (r *fakeResolver) Resolve(_ context.Context, hostname string) (netip.Addr, bool) {
	a, ok := r.addrs[hostname]
	return a, ok
}

func key(s string) firewall.RuleKey {
	k, ok := firewall.ParseRuleKey(s)
	if !ok {
		panic("bad test key " + s)
	}
	return k
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func testConfig(t *testing.T, entries string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		InstallDir:     dir,
		ConfigPath:     filepath.Join(dir, "conf.conf"),
		StatePath:      filepath.Join(dir, "service.cache"),
		LockPath:       filepath.Join(dir, ".lock"),
		ResolveTimeout: time.Second,
		LockTimeout:    time.Second,
	}
	require.NoError(t, os.WriteFile(cfg.ConfigPath, []byte(entries), 0o600))
	return cfg
}

func run(t *testing.T, cfg config.Config, fw *fakeFirewall, res *fakeResolver) {
	t.Helper()
	eng := New(cfg, fw, res, WithOutput(&bytes.Buffer{}))
	require.NoError(t, eng.Run(context.Background()))
}

func TestIdempotence(t *testing.T) {
	cfg := testConfig(t, "home.dyndns.org:22\n")
	fw := newFakeFirewall()
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	run(t, cfg, fw, res)
	assert.Equal(t, []string{"add 10.0.0.5:22"}, fw.ops)

	fw.ops = nil
	run(t, cfg, fw, res)
	assert.Empty(t, fw.ops, "unchanged config and addresses must issue zero mutations")
}

func TestResolutionFailSafe(t *testing.T) {
	prior := key("10.0.0.9:22")
	cfg := testConfig(t, "home.dyndns.org:22\n")
	fw := newFakeFirewall(prior)
	res := &fakeResolver{addrs: map[string]netip.Addr{}} // resolution fails

	run(t, cfg, fw, res)

	assert.True(t, fw.rules.Contains(prior), "existing rule must survive a resolution failure")
	assert.Empty(t, fw.ops)
}

func TestMutationFailSafe(t *testing.T) {
	prior := key("10.0.0.9:22")
	fresh := key("10.0.0.5:22")

	cfg := testConfig(t, "home.dyndns.org:22\n")
	fw := newFakeFirewall(prior)
	fw.failAdds[fresh] = 2 // both attempts fail
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	run(t, cfg, fw, res)

	assert.False(t, fw.rules.Contains(fresh))
	assert.True(t, fw.rules.Contains(prior), "stale rule must be retained after a failed failover")
	assert.Equal(t, []string{"add 10.0.0.5:22", "add 10.0.0.5:22"}, fw.ops)
}

func TestAddRetrySucceeds(t *testing.T) {
	fresh := key("10.0.0.5:22")
	cfg := testConfig(t, "home.dyndns.org:22\n")
	fw := newFakeFirewall()
	fw.failAdds[fresh] = 1 // first attempt fails, retry lands
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	run(t, cfg, fw, res)

	assert.True(t, fw.rules.Contains(fresh))
	assert.Equal(t, []string{"add 10.0.0.5:22", "add 10.0.0.5:22"}, fw.ops)
}

func TestAddBeforeDeleteOrdering(t *testing.T) {
	old := key("10.0.0.9:22")
	fresh := key("10.0.0.5:22")

	cfg := testConfig(t, "home.dyndns.org:22\n")
	fw := newFakeFirewall(old)
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	run(t, cfg, fw, res)

	assert.Equal(t, []string{"add 10.0.0.5:22", "del 10.0.0.9:22"}, fw.ops)
	assert.True(t, fw.rules.Contains(fresh))
	assert.False(t, fw.rules.Contains(old))
}

func TestFailedAddBlocksDeleteForPort(t *testing.T) {
	old := key("10.0.0.9:22")
	fresh := key("10.0.0.5:22")

	cfg := testConfig(t, "home.dyndns.org:22\n")
	fw := newFakeFirewall(old)
	fw.failAdds[fresh] = 2
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	run(t, cfg, fw, res)

	for _, op := range fw.ops {
		assert.NotEqual(t, "del "+old.String(), op,
			"the old rule must never be deleted when its replacement failed to install")
	}
	assert.True(t, fw.rules.Contains(old))
}

func TestDeleteFailureIsolation(t *testing.T) {
	staleA := key("10.0.0.8:22")
	staleB := key("10.0.0.9:80")

	cfg := testConfig(t, "home.dyndns.org:22\noffice.example.net:80\n")
	fw := newFakeFirewall(staleA, staleB)
	fw.failDelete[staleA] = true
	res := &fakeResolver{addrs: map[string]netip.Addr{
		"home.dyndns.org":    addr("10.0.0.5"),
		"office.example.net": addr("10.0.0.6"),
	}}

	run(t, cfg, fw, res)

	assert.True(t, fw.rules.Contains(staleA), "failed delete leaves the rule in place")
	assert.False(t, fw.rules.Contains(staleB), "one failure must not block the others")

	// the run still ends idle
	st := state.Load(cfg.StatePath)
	assert.Equal(t, state.OpIdle, st.Operation().Kind())
}

func TestCrashRecoveryCompletesAdd(t *testing.T) {
	pending := key("10.0.0.5:22")
	other := key("10.0.0.6:80")

	cfg := testConfig(t, "home.dyndns.org:22\noffice.example.net:80\n")
	content := "STATE:ADDING\nRULES:\nPENDING:" + pending.String() + "\n"
	require.NoError(t, os.WriteFile(cfg.StatePath, []byte(content), 0o600))

	fw := newFakeFirewall()
	res := &fakeResolver{addrs: map[string]netip.Addr{
		"home.dyndns.org":    addr("10.0.0.5"),
		"office.example.net": addr("10.0.0.6"),
	}}

	run(t, cfg, fw, res)

	assert.True(t, fw.rules.Contains(pending), "interrupted add is completed")
	assert.True(t, fw.rules.Contains(other), "unrelated entries converge to the desired set")
	assert.Len(t, fw.rules, 2)

	st := state.Load(cfg.StatePath)
	assert.Equal(t, state.OpIdle, st.Operation().Kind())
}

func TestCrashRecoveryAddAlreadyInstalled(t *testing.T) {
	pending := key("10.0.0.5:22")

	cfg := testConfig(t, "home.dyndns.org:22\n")
	content := "STATE:ADDING\nRULES:\nPENDING:" + pending.String() + "\n"
	require.NoError(t, os.WriteFile(cfg.StatePath, []byte(content), 0o600))

	fw := newFakeFirewall(pending)
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	run(t, cfg, fw, res)

	// presence is confirmed, not re-added
	assert.Empty(t, fw.ops)
}

func TestCrashRecoveryAddFailureFallsBackIdle(t *testing.T) {
	pending := key("10.0.0.5:2222")
	cfg := testConfig(t, "office.example.net:80\n") // pending's host no longer configured
	content := "STATE:ADDING\nRULES:\nPENDING:" + pending.String() + "\n"
	require.NoError(t, os.WriteFile(cfg.StatePath, []byte(content), 0o600))

	fw := newFakeFirewall()
	fw.failAdds[pending] = 99
	res := &fakeResolver{addrs: map[string]netip.Addr{"office.example.net": addr("10.0.0.6")}}

	run(t, cfg, fw, res)

	assert.False(t, fw.rules.Contains(pending))
	assert.True(t, fw.rules.Contains(key("10.0.0.6:80")))

	st := state.Load(cfg.StatePath)
	assert.Equal(t, state.OpIdle, st.Operation().Kind())
}

func TestCrashRecoveryDeleteDefersToReconciliation(t *testing.T) {
	interrupted := key("10.0.0.9:22")

	cfg := testConfig(t, "home.dyndns.org:22\n")
	content := "STATE:DELETING\nRULES:" + interrupted.String() + "\nPENDING:" + interrupted.String() + "\n"
	require.NoError(t, os.WriteFile(cfg.StatePath, []byte(content), 0o600))

	fw := newFakeFirewall(interrupted)
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	run(t, cfg, fw, res)

	// no compensating action: reconciliation decided the rule's fate
	assert.False(t, fw.rules.Contains(interrupted))
	assert.True(t, fw.rules.Contains(key("10.0.0.5:22")))
}

func TestEmptyConfigDoesNothing(t *testing.T) {
	cfg := testConfig(t, "# nothing configured\n")
	fw := newFakeFirewall(key("10.0.0.9:22"))
	res := &fakeResolver{addrs: map[string]netip.Addr{}}

	run(t, cfg, fw, res)
	assert.Empty(t, fw.ops)
	assert.True(t, fw.rules.Contains(key("10.0.0.9:22")))
}

func TestDeletePhaseCeiling(t *testing.T) {
	cfg := testConfig(t, "")
	st := state.Load(cfg.StatePath)

	fw := newFakeFirewall()
	live := make(firewall.RuleSet)
	for i := 0; i < 250; i++ {
		k := firewall.RuleKey{
			Addr: netip.AddrFrom4([4]byte{10, byte(i / 250), byte(i % 250), 1}),
			Port: 22,
		}
		live[k] = struct{}{}
		fw.rules[k] = struct{}{}
	}

	eng := New(cfg, fw, &fakeResolver{}, WithOutput(&bytes.Buffer{}))
	eng.deletePhase(st, live, make(firewall.RuleSet))

	assert.Len(t, fw.ops, maxLoop, "delete loop is truncated at the ceiling")
}

func TestProgressOutput(t *testing.T) {
	cfg := testConfig(t, "home.dyndns.org:22\n")
	fw := newFakeFirewall()
	res := &fakeResolver{addrs: map[string]netip.Addr{"home.dyndns.org": addr("10.0.0.5")}}

	var out bytes.Buffer
	eng := New(cfg, fw, res, WithOutput(&out))
	require.NoError(t, eng.Run(context.Background()))

	assert.Contains(t, out.String(), "home.dyndns.org:22 -> 10.0.0.5")
	assert.Contains(t, out.String(), "sync complete")
}
