// Package multihop chains two WireGuard tunnels: the exit relay's wire
// traffic travels inside the entry tunnel, so the entry relay sees only
// encrypted WireGuard to the exit, and the exit never learns the client's
// real address. The exit device runs on a socket bind that dials through
// the entry tunnel's network stack.
package multihop

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/driver"
	"wg-tunnel-engine/internal/driver/obfuscated"
	"wg-tunnel-engine/internal/driver/wgnative"
	"wg-tunnel-engine/internal/keys"
)

// Driver starts entry+exit tunnel chains.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "wg-multihop" }

// entryStack is satisfied by both the direct and the obfuscated entry
// handles.
type entryStack interface {
	driver.Handle
	Net() *netstack.Net
}

func (d *Driver) Start(ctx context.Context, target core.TunnelTarget, material keys.Material) (driver.Handle, error) {
	if !target.Multihop() {
		return nil, &core.ConfigError{Reason: "multihop driver needs an exit relay"}
	}

	// The entry hop carries any obfuscation; the preshared secret belongs
	// to the exit hop, which terminates the user's traffic.
	entryTarget := core.TunnelTarget{
		Entry:        target.Entry,
		Transport:    target.Transport,
		ObfsEndpoint: target.ObfsEndpoint,
		ObfsPorts:    target.ObfsPorts,
		MTU:          target.MTU,
	}
	entryMaterial := keys.Material{Device: material.Device}

	var entry entryStack
	if target.Transport == core.TransportDirect {
		t, err := wgnative.StartWithEndpoint(ctx, entryTarget, entryMaterial, entryTarget.WireEndpoint())
		if err != nil {
			return nil, err
		}
		entry = t
	} else {
		h, err := obfuscated.New(target.Transport).Start(ctx, entryTarget, entryMaterial)
		if err != nil {
			return nil, err
		}
		entry = h.(entryStack)
	}

	bind := &hopBind{tnet: entry.Net(), dst: target.Exit.Endpoint}
	exit, err := wgnative.StartWithBind(ctx, target, material, bind, target.Exit.Endpoint)
	if err != nil {
		entry.Stop()
		return nil, err
	}

	core.Log.Infof("Driver", "Multihop chain up: %s", target)
	return &handle{entry: entry, exit: exit}, nil
}

type handle struct {
	entry    driver.Handle
	exit     *wgnative.Tunnel
	stopOnce sync.Once
}

// Stop tears the chain down outside-in: exit device first, then the entry
// tunnel that carried it.
func (h *handle) Stop() {
	h.stopOnce.Do(func() {
		h.exit.Stop()
		h.entry.Stop()
	})
}

// Health reports the exit hop's handshake. The exit handshake also proves
// the entry hop is passing traffic.
func (h *handle) Health() (time.Time, error) { return h.exit.Health() }

func (h *handle) DialUDP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return h.exit.DialUDP(ctx, addr)
}

func (h *handle) DialPing(ctx context.Context, addr netip.Addr) (net.PacketConn, error) {
	return h.exit.DialPing(ctx, addr)
}

func (h *handle) InterfaceName() string { return "" }

// ---------------------------------------------------------------------------
// hopBind sends and receives the exit device's datagrams through the entry
// tunnel's userspace stack.
// ---------------------------------------------------------------------------

type hopBind struct {
	tnet *netstack.Net
	dst  netip.AddrPort

	mu   sync.Mutex
	conn net.Conn
}

func (b *hopBind) Open(_ uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil, 0, conn.ErrBindAlreadyOpen
	}

	c, err := b.tnet.DialUDPAddrPort(netip.AddrPort{}, b.dst)
	if err != nil {
		return nil, 0, err
	}
	b.conn = c

	port := uint16(0)
	if ua, ok := c.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(ua.Port)
	}

	recv := func(bufs [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		n, err := c.Read(bufs[0])
		if err != nil {
			return 0, err
		}
		sizes[0] = n
		eps[0] = hopEndpoint{b.dst}
		return 1, nil
	}
	return []conn.ReceiveFunc{recv}, port, nil
}

func (b *hopBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *hopBind) SetMark(_ uint32) error { return nil }

func (b *hopBind) Send(bufs [][]byte, _ conn.Endpoint) error {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		return net.ErrClosed
	}
	for _, buf := range bufs {
		if _, err := c.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func (b *hopBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return hopEndpoint{ap}, nil
}

func (b *hopBind) BatchSize() int { return 1 }

type hopEndpoint struct{ ap netip.AddrPort }

func (e hopEndpoint) ClearSrc()           {}
func (e hopEndpoint) SrcToString() string { return "" }
func (e hopEndpoint) DstToString() string { return e.ap.String() }
func (e hopEndpoint) DstToBytes() []byte {
	b, _ := e.ap.MarshalBinary()
	return b
}
func (e hopEndpoint) DstIP() netip.Addr { return e.ap.Addr() }
func (e hopEndpoint) SrcIP() netip.Addr { return netip.Addr{} }
