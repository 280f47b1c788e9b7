package firewall

import (
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ddnsfw/logger"
)

// RuleTag marks every rule the synchronizer owns. Rules without it are
// never touched.
const RuleTag = "DDNS-ACCESS"

const (
	maxListLines     = 200
	maxRules         = 100
	maxTokensPerRule = 50
)

var iptablesPaths = []string{
	"/usr/sbin/iptables",
	"/sbin/iptables",
	"/usr/bin/iptables",
}

// FindIPTables locates the iptables binary. A missing binary is a setup
// error; nothing may be mutated without it.
func FindIPTables() (string, error) {
	for _, p := range iptablesPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath("iptables"); err == nil {
		return p, nil
	}
	return "", errors.New("iptables binary not found")
}

// IPTables drives the system iptables tool for the INPUT chain. Output
// parsing happens only for listing; every other call is judged by exit
// status alone.
type IPTables struct {
	bin string

	// exec indirection, replaced in tests
	runOut func(bin string, args ...string) (string, bool)
	runOK  func(bin string, args ...string) bool
}

func NewIPTables(bin string) *IPTables {
	return &IPTables{
		bin:    bin,
		runOut: runForOutput,
		runOK:  runForStatus,
	}
}

func runForOutput(bin string, args ...string) (string, bool) {
	out, err := exec.Command(bin, args...).Output()
	if err != nil {
		return "", false
	}
	return string(out), true
}

func runForStatus(bin string, args ...string) bool {
	cmd := exec.Command(bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

func (t *IPTables) ListTaggedRules() RuleSet {
	rules := make(RuleSet)

	out, ok := t.runOut(t.bin, "-S", "INPUT")
	if !ok {
		return rules
	}

	lines := 0
	for _, line := range strings.Split(out, "\n") {
		lines++
		if lines > maxListLines {
			logger.Warn("iptables listing too large, truncating",
				zap.Int("scanned", maxListLines))
			break
		}
		if !strings.Contains(line, RuleTag) {
			continue
		}
		if len(rules) >= maxRules {
			logger.Warn("too many tagged rules, keeping first",
				zap.Int("kept", maxRules))
			break
		}
		if k, ok := parseRuleLine(line); ok {
			rules[k] = struct{}{}
		}
	}
	return rules
}

// parseRuleLine extracts (source, dport) from one `iptables -S` line by
// scanning tokens. The token ceiling guards against corrupt or adversarial
// output.
func parseRuleLine(line string) (RuleKey, bool) {
	parts := strings.Fields(line)
	n := len(parts)
	if n > maxTokensPerRule {
		n = maxTokensPerRule
	}

	var addr netip.Addr
	var port uint16
	for i := 0; i < n; i++ {
		if i+1 >= len(parts) {
			break
		}
		switch parts[i] {
		case "-s":
			a, err := netip.ParseAddr(strings.TrimSuffix(parts[i+1], "/32"))
			if err == nil && a.Is4() {
				addr = a
			}
		case "--dport":
			if p, err := strconv.ParseUint(parts[i+1], 10, 16); err == nil {
				port = uint16(p)
			}
		}
	}
	if !addr.IsValid() || port == 0 {
		return RuleKey{}, false
	}
	return RuleKey{Addr: addr, Port: port}, true
}

func (t *IPTables) RuleExists(k RuleKey) bool {
	return t.runOK(t.bin, ruleArgs("-C", k)...)
}

func (t *IPTables) AddRule(k RuleKey) bool {
	// insert at position 1 so DDNS-origin access outranks other filtering
	args := append([]string{"-I", "INPUT", "1"}, matchArgs(k)...)
	return t.runOK(t.bin, args...)
}

func (t *IPTables) DeleteRule(k RuleKey) bool {
	return t.runOK(t.bin, ruleArgs("-D", k)...)
}

func ruleArgs(op string, k RuleKey) []string {
	return append([]string{op, "INPUT"}, matchArgs(k)...)
}

func matchArgs(k RuleKey) []string {
	return []string{
		"-s", k.Addr.String() + "/32",
		"-p", "tcp",
		"-m", "tcp",
		"--dport", strconv.FormatUint(uint64(k.Port), 10),
		"-m", "comment",
		"--comment", RuleTag,
		"-j", "ACCEPT",
	}
}
