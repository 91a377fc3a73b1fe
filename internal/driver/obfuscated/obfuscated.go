// Package obfuscated wraps the native WireGuard driver behind a local
// forwarder that disguises the wire traffic. Two modes exist: a stream
// cipher applied per datagram, for networks that fingerprint WireGuard's
// handshake, and a TCP wrapper for networks that drop UDP entirely. The
// inner tunnel is unchanged; only the path between the device and the relay
// differs.
package obfuscated

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/driver"
	"wg-tunnel-engine/internal/driver/wgnative"
	"wg-tunnel-engine/internal/keys"
)

// Driver starts a WireGuard tunnel whose wire traffic passes through a
// local obfuscating forwarder.
type Driver struct {
	mode core.TransportMode
}

func New(mode core.TransportMode) *Driver { return &Driver{mode: mode} }

func (d *Driver) Name() string {
	return "wg-" + d.mode.String()
}

func (d *Driver) Start(ctx context.Context, target core.TunnelTarget, material keys.Material) (driver.Handle, error) {
	remote := target.ObfsEndpoint
	if !remote.IsValid() {
		if len(target.ObfsPorts) == 0 {
			return nil, &core.ConfigError{Reason: "obfuscated transport needs an obfuscation endpoint or port list"}
		}
		remote = netip.AddrPortFrom(target.Entry.Endpoint.Addr(), target.ObfsPorts[0])
	}

	var fwd forwarder
	var err error
	switch d.mode {
	case core.TransportStreamCipher:
		fwd, err = newCipherForwarder(remote, obfsKey(target.Entry.PublicKey))
	case core.TransportTCPWrap:
		fwd, err = newTCPForwarder(ctx, remote)
	default:
		return nil, &core.ConfigError{Reason: fmt.Sprintf("transport %s is not an obfuscated mode", d.mode)}
	}
	if err != nil {
		return nil, err
	}

	core.Log.Infof("Driver", "Obfuscator %s listening on %s, relay %s", d.mode, fwd.LocalAddr(), remote)

	inner, err := wgnative.StartWithEndpoint(ctx, target, material, fwd.LocalAddr())
	if err != nil {
		fwd.Close()
		return nil, err
	}

	return &handle{Handle: inner, fwd: fwd}, nil
}

// obfsKey derives the per-relay cipher key. The stream cipher only defeats
// traffic fingerprinting; confidentiality comes from the tunnel inside it,
// so a key derivable by both ends from the relay identity is sufficient.
func obfsKey(relayPublicKey string) [32]byte {
	return sha256.Sum256([]byte("wg-obfs-v1:" + relayPublicKey))
}

type handle struct {
	driver.Handle
	fwd      forwarder
	stopOnce sync.Once
}

// Stop closes the inner tunnel first so no datagrams race the forwarder
// teardown, then the forwarder itself.
func (h *handle) Stop() {
	h.stopOnce.Do(func() {
		h.Handle.Stop()
		h.fwd.Close()
	})
}

// Net exposes the inner tunnel's network stack for chained drivers.
func (h *handle) Net() *netstack.Net {
	return h.Handle.(*wgnative.Tunnel).Net()
}

type forwarder interface {
	LocalAddr() netip.AddrPort
	Close()
}

// ---------------------------------------------------------------------------
// Stream-cipher mode: UDP in, UDP out, payload XORed with a per-datagram
// XChaCha20 keystream. The random nonce travels in front of each datagram.
// ---------------------------------------------------------------------------

const nonceSize = chacha20.NonceSizeX

type cipherForwarder struct {
	local  *net.UDPConn
	remote *net.UDPConn
	key    [32]byte

	mu     sync.Mutex
	client *net.UDPAddr

	closeOnce sync.Once
}

func newCipherForwarder(remote netip.AddrPort, key [32]byte) (*cipherForwarder, error) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, &core.PlatformError{Op: "obfuscator", Err: err}
	}
	out, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		local.Close()
		return nil, &core.PlatformError{Op: "obfuscator", Err: err}
	}

	f := &cipherForwarder{local: local, remote: out, key: key}
	go f.pumpOut()
	go f.pumpIn()
	return f, nil
}

func (f *cipherForwarder) LocalAddr() netip.AddrPort {
	return f.local.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (f *cipherForwarder) Close() {
	f.closeOnce.Do(func() {
		f.local.Close()
		f.remote.Close()
	})
}

// pumpOut encrypts datagrams from the device and sends them to the relay.
func (f *cipherForwarder) pumpOut() {
	buf := make([]byte, 65535)
	out := make([]byte, 65535+nonceSize)
	for {
		n, addr, err := f.local.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.client = addr
		f.mu.Unlock()

		if _, err := rand.Read(out[:nonceSize]); err != nil {
			core.Log.Errorf("Driver", "Obfuscator nonce: %v", err)
			continue
		}
		if err := f.applyStream(out[:nonceSize], buf[:n], out[nonceSize:]); err != nil {
			continue
		}
		if _, err := f.remote.Write(out[:nonceSize+n]); err != nil {
			return
		}
	}
}

// pumpIn decrypts datagrams from the relay and hands them to the device.
func (f *cipherForwarder) pumpIn() {
	buf := make([]byte, 65535+nonceSize)
	out := make([]byte, 65535)
	for {
		n, err := f.remote.Read(buf)
		if err != nil {
			return
		}
		if n <= nonceSize {
			continue
		}
		if err := f.applyStream(buf[:nonceSize], buf[nonceSize:n], out); err != nil {
			continue
		}

		f.mu.Lock()
		client := f.client
		f.mu.Unlock()
		if client == nil {
			continue
		}
		if _, err := f.local.WriteToUDP(out[:n-nonceSize], client); err != nil {
			return
		}
	}
}

func (f *cipherForwarder) applyStream(nonce, src, dst []byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(f.key[:], nonce)
	if err != nil {
		return err
	}
	c.XORKeyStream(dst[:len(src)], src)
	return nil
}

// ---------------------------------------------------------------------------
// TCP-wrap mode: UDP in, length-prefixed frames over a TCP connection out.
// Same framing as the relay side expects: 2-byte big-endian length.
// ---------------------------------------------------------------------------

type tcpForwarder struct {
	local *net.UDPConn
	tcp   net.Conn

	mu     sync.Mutex
	client *net.UDPAddr

	closeOnce sync.Once
}

func newTCPForwarder(ctx context.Context, remote netip.AddrPort) (*tcpForwarder, error) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, &core.PlatformError{Op: "obfuscator", Err: err}
	}
	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp4", remote.String())
	if err != nil {
		local.Close()
		return nil, &core.HandshakeError{Op: "obfuscator-connect", Err: err}
	}
	if tc, ok := tcp.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	f := &tcpForwarder{local: local, tcp: tcp}
	go f.pumpOut()
	go f.pumpIn()
	return f, nil
}

func (f *tcpForwarder) LocalAddr() netip.AddrPort {
	return f.local.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (f *tcpForwarder) Close() {
	f.closeOnce.Do(func() {
		f.local.Close()
		f.tcp.Close()
	})
}

func (f *tcpForwarder) pumpOut() {
	buf := make([]byte, 2+65535)
	for {
		n, addr, err := f.local.ReadFromUDP(buf[2:])
		if err != nil {
			return
		}
		f.mu.Lock()
		f.client = addr
		f.mu.Unlock()

		binary.BigEndian.PutUint16(buf[:2], uint16(n))
		if _, err := f.tcp.Write(buf[:2+n]); err != nil {
			return
		}
	}
}

func (f *tcpForwarder) pumpIn() {
	header := make([]byte, 2)
	buf := make([]byte, 65535)
	for {
		if _, err := io.ReadFull(f.tcp, header); err != nil {
			return
		}
		n := int(binary.BigEndian.Uint16(header))
		if _, err := io.ReadFull(f.tcp, buf[:n]); err != nil {
			return
		}

		f.mu.Lock()
		client := f.client
		f.mu.Unlock()
		if client == nil {
			continue
		}
		if _, err := f.local.WriteToUDP(buf[:n], client); err != nil {
			return
		}
	}
}
