package monitor

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"wg-tunnel-engine/internal/driver"
)

// PingProber sends ICMP echo requests to the relay-side gateway through
// the tunnel and waits for the matching reply.
type PingProber struct {
	handle  driver.Handle
	gateway netip.Addr
	id      uint16
	seq     uint16
}

func NewPingProber(h driver.Handle, gateway netip.Addr, id uint16) *PingProber {
	return &PingProber{handle: h, gateway: gateway, id: id}
}

func (p *PingProber) Name() string { return "ping" }

func (p *PingProber) Probe(ctx context.Context) error {
	conn, err := p.handle.DialPing(ctx, p.gateway)
	if err != nil {
		return fmt.Errorf("open ping socket: %w", err)
	}
	defer conn.Close()

	p.seq++
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   int(p.id),
			Seq:  int(p.seq),
			Data: []byte("tunnel-liveness"),
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal echo: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	dst := &net.UDPAddr{IP: p.gateway.AsSlice()}
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return fmt.Errorf("send echo: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("await echo reply: %w", err)
		}
		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo.Seq != int(p.seq) {
			// Stale reply from an earlier probe cycle.
			continue
		}
		return nil
	}
}
