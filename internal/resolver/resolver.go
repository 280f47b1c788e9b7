// Package resolver turns DDNS hostnames into IPv4 addresses without ever
// raising: timeouts, tool failures and garbage output all collapse to
// "no result", which the engine must treat as "take no action".
package resolver

import (
	"context"
	"net/netip"
	"os/exec"
	"strings"
	"time"
)

// Resolver looks up the current IPv4 address of a hostname. ok is false on
// any failure; callers never learn why, only that no action may be taken.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (netip.Addr, bool)
}

// New picks the backend by name. Anything but "dns" falls back to the
// getent delegate, the default.
func New(backend string, timeout time.Duration) Resolver {
	if backend == "dns" {
		return &dnsResolver{timeout: timeout}
	}
	return &getentResolver{timeout: timeout}
}

// getentResolver delegates to the system host-lookup utility. Resolution
// itself is never implemented here.
type getentResolver struct {
	timeout time.Duration

	// exec indirection, replaced in tests
	run func(ctx context.Context, hostname string) ([]byte, error)
}

func (r *getentResolver) Resolve(ctx context.Context, hostname string) (netip.Addr, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	run := r.run
	if run == nil {
		run = runGetent
	}
	out, err := run(ctx, hostname)
	if err != nil {
		return netip.Addr{}, false
	}
	return parseGetentOutput(string(out))
}

func runGetent(ctx context.Context, hostname string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "getent", "ahostsv4", hostname)
	cmd.Stderr = nil
	return cmd.Output()
}

// parseGetentOutput takes the first whitespace field of the first line,
// the way `getent ahostsv4` reports its primary answer.
func parseGetentOutput(out string) (netip.Addr, bool) {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}
