package monitor

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"wg-tunnel-engine/internal/driver"
)

// probeName is resolved by the relay-side resolver on every relay; any
// well-formed response counts as liveness, including NXDOMAIN.
const probeName = "probe.invalid."

// DNSProber checks liveness with a DNS query against the in-tunnel
// resolver. Useful on relays that rate-limit or drop ICMP.
type DNSProber struct {
	handle   driver.Handle
	resolver netip.Addr
}

func NewDNSProber(h driver.Handle, resolver netip.Addr) *DNSProber {
	return &DNSProber{handle: h, resolver: resolver}
}

func (p *DNSProber) Name() string { return "dns" }

func (p *DNSProber) Probe(ctx context.Context) error {
	conn, err := p.handle.DialUDP(ctx, netip.AddrPortFrom(p.resolver, 53))
	if err != nil {
		return fmt.Errorf("open resolver socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	query := new(dns.Msg)
	query.SetQuestion(probeName, dns.TypeA)
	query.RecursionDesired = false

	dc := &dns.Conn{Conn: conn}
	if err := dc.WriteMsg(query); err != nil {
		return fmt.Errorf("send dns probe: %w", err)
	}

	start := time.Now()
	reply, err := dc.ReadMsg()
	if err != nil {
		return fmt.Errorf("await dns reply: %w", err)
	}
	if reply.Id != query.Id {
		return fmt.Errorf("dns reply id mismatch after %s", time.Since(start))
	}
	return nil
}
