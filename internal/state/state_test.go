package state

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ddnsfw/internal/firewall"
)

func key(s string) firewall.RuleKey {
	k, ok := firewall.ParseRuleKey(s)
	if !ok {
		panic("bad test key " + s)
	}
	return k
}

func tempStatePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "service.cache")
}

func TestLoadMissingFile(t *testing.T) {
	s := Load(tempStatePath(t))
	assert.Equal(t, OpIdle, s.Operation().Kind())
	assert.Empty(t, s.Rules())
}

func TestRoundTrip(t *testing.T) {
	path := tempStatePath(t)

	s := Load(path)
	s.ReplaceRules(firewall.RuleSet{
		key("10.0.0.5:22"): {},
		key("10.0.0.6:80"): {},
	})
	s.SetAdding(key("10.0.0.5:22"))

	re := Load(path)
	assert.Equal(t, OpAdding, re.Operation().Kind())
	pending, ok := re.Operation().Pending()
	require.True(t, ok)
	assert.Equal(t, key("10.0.0.5:22"), pending)
	assert.Equal(t, s.Rules(), re.Rules())
}

func TestSaveIsAtomicReplace(t *testing.T) {
	path := tempStatePath(t)

	s := Load(path)
	s.SetIdle()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a save")
}

func TestLoadUnknownTagCollapsesToIdle(t *testing.T) {
	path := tempStatePath(t)
	require.NoError(t, os.WriteFile(path, []byte("STATE:EXPLODING\nRULES:10.0.0.5:22\nPENDING:\n"), 0o600))

	s := Load(path)
	assert.Equal(t, OpIdle, s.Operation().Kind())
	assert.True(t, s.Rules().Contains(key("10.0.0.5:22")))
}

func TestLoadNonIdleWithoutPendingCollapses(t *testing.T) {
	path := tempStatePath(t)
	require.NoError(t, os.WriteFile(path, []byte("STATE:ADDING\nRULES:\nPENDING:garbage\n"), 0o600))

	s := Load(path)
	assert.Equal(t, OpIdle, s.Operation().Kind())
}

func TestLoadSkipsMalformedRuleFragments(t *testing.T) {
	path := tempStatePath(t)
	content := "STATE:IDLE\nRULES:10.0.0.5:22,garbage,:80,10.0.0.6:80,999.1.1.1:22\nPENDING:\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := Load(path)
	assert.Len(t, s.Rules(), 2)
}

func TestLoadLineGuard(t *testing.T) {
	path := tempStatePath(t)
	// STATE on line 12 must never be reached
	content := strings.Repeat("JUNK\n", 11) + "STATE:ADDING\nPENDING:10.0.0.5:22\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := Load(path)
	assert.Equal(t, OpIdle, s.Operation().Kind())
}

func TestLoadRuleCap(t *testing.T) {
	path := tempStatePath(t)
	frags := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		frags = append(frags, firewall.RuleKey{
			Addr: netip.AddrFrom4([4]byte{10, byte(i / 250), byte(i % 250), 1}),
			Port: 22,
		}.String())
	}
	content := "STATE:IDLE\nRULES:" + strings.Join(frags, ",") + "\nPENDING:\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := Load(path)
	assert.Len(t, s.Rules(), 100)
}

func TestTransitionBracketing(t *testing.T) {
	path := tempStatePath(t)
	k := key("10.0.0.5:22")

	s := Load(path)
	s.SetAdding(k)

	// a crash here must be visible to the next load
	crash := Load(path)
	assert.Equal(t, OpAdding, crash.Operation().Kind())

	s.CommitAdd(k)
	after := Load(path)
	assert.Equal(t, OpIdle, after.Operation().Kind())
	assert.True(t, after.Rules().Contains(k))

	s.SetDeleting(k)
	s.CommitDelete(k)
	final := Load(path)
	assert.Equal(t, OpIdle, final.Operation().Kind())
	assert.False(t, final.Rules().Contains(k))
}

func TestSaveFailureIsSwallowed(t *testing.T) {
	// directory path cannot be written; in-memory state must still advance
	s := Load(filepath.Join("/nonexistent", "nope", "service.cache"))
	k := key("10.0.0.5:22")
	s.SetAdding(k)
	assert.Equal(t, OpAdding, s.Operation().Kind())
}

func TestWriteInitial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "service.cache")
	require.NoError(t, WriteInitial(path))

	s := Load(path)
	assert.Equal(t, OpIdle, s.Operation().Kind())
	assert.Empty(t, s.Rules())
}
