package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// dnsResolver queries the first resolv.conf nameserver directly. Selected
// with DDNSFW_RESOLVER=dns for hosts whose nsswitch answers lag behind the DDNS
// record. Same contract as the getent delegate: no result on any failure.
type dnsResolver struct {
	timeout time.Duration

	// exchange indirection, replaced in tests
	exchange func(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error)
}

func (r *dnsResolver) Resolve(ctx context.Context, hostname string) (netip.Addr, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cfg, _ := dns.ClientConfigFromFile("/etc/resolv.conf")
	if cfg == nil || len(cfg.Servers) == 0 {
		cfg = &dns.ClientConfig{Servers: []string{"1.1.1.1"}, Port: "53"}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	exchange := r.exchange
	if exchange == nil {
		exchange = runExchange
	}
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
	resp, err := exchange(ctx, m, server)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, false
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

func runExchange(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
	c := new(dns.Client)
	resp, _, err := c.ExchangeContext(ctx, m, server)
	return resp, err
}
