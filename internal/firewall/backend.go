package firewall

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// RuleKey identifies one managed allow rule: exact IPv4 source plus TCP
// destination port. Comparable, so it works directly as a set member.
type RuleKey struct {
	Addr netip.Addr
	Port uint16
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s:%d", k.Addr, k.Port)
}

// ParseRuleKey parses "addr:port", splitting on the last colon. Only IPv4
// host addresses are accepted.
func ParseRuleKey(s string) (RuleKey, bool) {
	s = strings.TrimSpace(s)
	colon := strings.LastIndex(s, ":")
	if colon <= 0 {
		return RuleKey{}, false
	}
	addr, err := netip.ParseAddr(s[:colon])
	if err != nil || !addr.Is4() {
		return RuleKey{}, false
	}
	port, err := strconv.ParseUint(s[colon+1:], 10, 16)
	if err != nil || port == 0 {
		return RuleKey{}, false
	}
	return RuleKey{Addr: addr, Port: uint16(port)}, true
}

// RuleSet is the ephemeral view of the tagged rules currently enforced.
type RuleSet map[RuleKey]struct{}

func (rs RuleSet) Contains(k RuleKey) bool {
	_, ok := rs[k]
	return ok
}

// Backend is the narrow surface the sync engine needs from the firewall tool.
// All four calls are synchronous; the boolean results reflect exit status.
type Backend interface {
	// ListTaggedRules returns the live tagged rule set, the sole source of
	// truth for reconciliation. A tool failure yields an empty set.
	ListTaggedRules() RuleSet

	// RuleExists asks the tool directly whether the exact rule is installed,
	// independent of any previously listed output.
	RuleExists(k RuleKey) bool

	// AddRule inserts the allow rule at the chain's highest-priority slot.
	AddRule(k RuleKey) bool

	// DeleteRule removes the exact matching tagged rule.
	DeleteRule(k RuleKey) bool
}
