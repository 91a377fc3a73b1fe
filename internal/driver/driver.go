// Package driver defines the contract every tunnel backend must implement
// and the factory that picks a backend for a given target. Backends are
// userspace WireGuard over netstack (direct, obfuscated and multihop
// variants) plus an external-process driver for legacy protocols.
package driver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/keys"
)

// ErrHealthUnsupported is returned by Handle.Health when the backend has no
// handshake visibility (external-process drivers).
var ErrHealthUnsupported = errors.New("driver does not expose handshake health")

// Handle is a running tunnel. Obtained from Driver.Start and owned by the
// state machine; all teardown goes through Stop.
type Handle interface {
	// Stop tears the tunnel down and releases all resources. Idempotent:
	// a second call is a no-op. Stop returns only after the backend has
	// fully shut down, so the caller knows when it is safe to relax the
	// firewall.
	Stop()

	// Health returns the time of the last completed peer handshake. A zero
	// time means no handshake yet. Backends without handshake visibility
	// return ErrHealthUnsupported.
	Health() (time.Time, error)

	// DialUDP opens a datagram socket inside the tunnel. Used by the
	// tunnel monitor for in-tunnel DNS probes.
	DialUDP(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

	// DialPing opens an ICMP echo socket inside the tunnel, bound to the
	// tunnel address. Used by the tunnel monitor.
	DialPing(ctx context.Context, addr netip.Addr) (net.PacketConn, error)

	// InterfaceName returns the OS interface backing the tunnel, or ""
	// for userspace stacks with no kernel interface.
	InterfaceName() string
}

// Driver is a tunnel backend. Start blocks until the data path is ready or
// fails; it must clean up everything it created before returning an error.
type Driver interface {
	Start(ctx context.Context, target core.TunnelTarget, material keys.Material) (Handle, error)
	Name() string
}

// Factory builds the driver for a target. Split out as a function type so
// tests can substitute fake backends for the real ones.
type Factory func(target core.TunnelTarget) Driver
