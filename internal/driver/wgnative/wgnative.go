// Package wgnative runs a userspace WireGuard tunnel over a netstack
// (gvisor) TCP/IP stack. No kernel interface is created; in-tunnel traffic
// for probes is dialed through the embedded stack.
package wgnative

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/driver"
	"wg-tunnel-engine/internal/keys"
)

const defaultMTU = 1380

// Driver starts direct single-hop WireGuard tunnels.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "wg-native" }

// Start brings up a netstack WireGuard device for the target's entry relay
// and waits for the first handshake. On any failure everything created so
// far is torn down before returning.
func (d *Driver) Start(ctx context.Context, target core.TunnelTarget, material keys.Material) (driver.Handle, error) {
	return startDevice(ctx, target, material, conn.NewDefaultBind(), target.WireEndpoint())
}

// StartWithEndpoint starts the device pointed at a substituted endpoint
// instead of the relay's nominal one. The obfuscated driver points it at
// its local forwarder.
func StartWithEndpoint(ctx context.Context, target core.TunnelTarget, material keys.Material, endpoint netip.AddrPort) (*Tunnel, error) {
	return startDevice(ctx, target, material, conn.NewDefaultBind(), endpoint)
}

// StartWithBind starts the device on a caller-supplied socket bind. The
// multihop driver uses it to send the exit relay's wire traffic through the
// entry tunnel.
func StartWithBind(ctx context.Context, target core.TunnelTarget, material keys.Material, bind conn.Bind, endpoint netip.AddrPort) (*Tunnel, error) {
	return startDevice(ctx, target, material, bind, endpoint)
}

// startDevice is shared with the obfuscated and multihop drivers, which
// substitute the bind or the endpoint the device actually talks to.
func startDevice(ctx context.Context, target core.TunnelTarget, material keys.Material, bind conn.Bind, endpoint netip.AddrPort) (*Tunnel, error) {
	relay := target.Entry
	if target.Multihop() {
		relay = *target.Exit
	}

	mtu := target.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}

	tunDev, tnet, err := netstack.CreateNetTUN(
		[]netip.Addr{relay.TunnelAddr},
		nil,
		mtu,
	)
	if err != nil {
		return nil, &core.PlatformError{Op: "tunnel-device", Err: err}
	}

	dev := device.NewDevice(tunDev, bind, device.NewLogger(device.LogLevelError, "[wg] "))

	uapi, err := buildUAPI(target, relay, material, endpoint)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, &core.ConfigError{Reason: fmt.Sprintf("apply device config: %v", err)}
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, &core.PlatformError{Op: "tunnel-device", Err: err}
	}

	t := &Tunnel{dev: dev, tnet: tnet, tunnelAddr: relay.TunnelAddr}

	if err := t.awaitHandshake(ctx); err != nil {
		t.Stop()
		return nil, err
	}

	core.Log.Infof("Driver", "Tunnel up to %s (addr=%s, mtu=%d)", target, relay.TunnelAddr, mtu)
	return t, nil
}

// buildUAPI renders the device configuration in UAPI wire format. Keys go
// over UAPI hex encoded, and public_key must precede the per-peer fields.
func buildUAPI(target core.TunnelTarget, relay core.Relay, material keys.Material, endpoint netip.AddrPort) (string, error) {
	if material.Device == nil {
		return "", &core.ConfigError{Reason: "no device key available"}
	}
	peerKey, err := keys.Base64ToHex(relay.PublicKey)
	if err != nil {
		return "", &core.ConfigError{Reason: fmt.Sprintf("relay %s public key: %v", relay.Hostname, err)}
	}

	priv := material.Device.PrivateBytes()
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%x\n", priv[:])
	if target.ListenPort != 0 {
		fmt.Fprintf(&b, "listen_port=%d\n", target.ListenPort)
	}
	fmt.Fprint(&b, "replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", peerKey)
	if material.PresharedKey != nil {
		fmt.Fprintf(&b, "preshared_key=%x\n", material.PresharedKey[:])
	}
	fmt.Fprintf(&b, "endpoint=%s\n", endpoint)
	fmt.Fprint(&b, "allowed_ip=0.0.0.0/0\n")
	fmt.Fprint(&b, "allowed_ip=::/0\n")
	fmt.Fprint(&b, "persistent_keepalive_interval=25\n")
	return b.String(), nil
}

// Tunnel is a running netstack WireGuard device.
type Tunnel struct {
	dev  *device.Device
	tnet *netstack.Net

	tunnelAddr netip.Addr

	stopOnce sync.Once
}

// Stop closes the device. Safe to call more than once.
func (t *Tunnel) Stop() {
	t.stopOnce.Do(func() {
		t.dev.Close()
		core.Log.Infof("Driver", "Tunnel device closed")
	})
}

// Health parses last_handshake_time_sec out of the device's IPC state.
func (t *Tunnel) Health() (time.Time, error) {
	state, err := t.dev.IpcGet()
	if err != nil {
		return time.Time{}, &core.PlatformError{Op: "tunnel-device", Err: err}
	}
	return lastHandshake(state)
}

func lastHandshake(ipcState string) (time.Time, error) {
	var latest int64
	sc := bufio.NewScanner(strings.NewReader(ipcState))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "last_handshake_time_sec=") {
			continue
		}
		sec, err := strconv.ParseInt(strings.TrimPrefix(line, "last_handshake_time_sec="), 10, 64)
		if err != nil {
			continue
		}
		if sec > latest {
			latest = sec
		}
	}
	if latest == 0 {
		return time.Time{}, nil
	}
	return time.Unix(latest, 0), nil
}

// awaitHandshake polls for the first completed handshake. The netstack
// device has no event channel for this, so polling is the only option.
func (t *Tunnel) awaitHandshake(ctx context.Context) error {
	deadline := time.NewTimer(15 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &core.HandshakeError{Op: "initial-handshake", Err: context.DeadlineExceeded}
		case <-tick.C:
			hs, err := t.Health()
			if err != nil {
				return err
			}
			if !hs.IsZero() {
				return nil
			}
		}
	}
}

// DialUDP opens a datagram socket inside the tunnel.
func (t *Tunnel) DialUDP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return t.tnet.DialUDPAddrPort(netip.AddrPort{}, addr)
}

// DialPing opens an ICMP echo socket inside the tunnel.
func (t *Tunnel) DialPing(ctx context.Context, addr netip.Addr) (net.PacketConn, error) {
	c, err := t.tnet.Dial("ping4", addr.String())
	if err != nil {
		return nil, err
	}
	pc, ok := c.(net.PacketConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("ping socket is not a packet conn")
	}
	return pc, nil
}

// InterfaceName returns "" since the stack is fully userspace.
func (t *Tunnel) InterfaceName() string { return "" }

// Net exposes the embedded network stack. The multihop driver dials the
// exit relay's wire connection through the entry tunnel with it.
func (t *Tunnel) Net() *netstack.Net { return t.tnet }
