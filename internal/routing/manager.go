package routing

import (
	"net/netip"
	"sync"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

// splitDefaults are the two /1 routes that together override the default
// route without replacing the 0.0.0.0/0 entry, so teardown restores the
// original table by simple deletion.
var splitDefaults = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/1"),
	netip.MustParsePrefix("128.0.0.0/1"),
}

// Manager installs and removes the routes one tunnel connection needs:
// relay bypass host routes via the physical gateway and, when the driver
// exposes an OS interface, the split default override through it.
type Manager struct {
	table platform.RouteTable

	mu        sync.Mutex
	installed []platform.Route
}

// NewManager creates a routing manager over the given route table binding.
func NewManager(table platform.RouteTable) *Manager {
	return &Manager{table: table}
}

// Connect installs the routes for the given target. tunnelIface may be empty
// for userspace drivers that own their traffic end to end; in that case only
// the bypass routes are installed. Fails explicitly when the OS has no
// default gateway instead of retrying.
func (m *Manager) Connect(tunnelIface string, target core.TunnelTarget) error {
	gw, err := m.table.DefaultGateway()
	if err != nil {
		return &core.PlatformError{Op: "route", Err: err}
	}

	// Relay traffic must bypass the default-route override or the tunnel
	// would try to carry its own encrypted packets.
	wire := target.WireEndpoint()
	if err := m.addBypass(wire.Addr(), gw); err != nil {
		m.rollback()
		return err
	}

	// Multihop: the entry relay needs its own bypass when the wire
	// connection targets something else (an obfuscator in front of it).
	if target.Multihop() && target.Entry.Endpoint.Addr() != wire.Addr() {
		if err := m.addBypass(target.Entry.Endpoint.Addr(), gw); err != nil {
			m.rollback()
			return err
		}
	}

	if tunnelIface != "" {
		for _, p := range splitDefaults {
			r := platform.Route{Dest: p, Interface: tunnelIface}
			if err := m.add(r); err != nil {
				m.rollback()
				return err
			}
		}
		core.Log.Infof("Route", "Default route overridden via %s", tunnelIface)
	}

	return nil
}

// Disconnect removes every route this manager installed.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	routes := m.installed
	m.installed = nil
	m.mu.Unlock()

	var lastErr error
	for i := len(routes) - 1; i >= 0; i-- {
		if err := m.table.DeleteRoute(routes[i]); err != nil {
			core.Log.Warnf("Route", "Remove %s: %v", routes[i].Dest, err)
			lastErr = err
		}
	}
	if lastErr != nil {
		return &core.PlatformError{Op: "route", Err: lastErr}
	}
	return nil
}

func (m *Manager) addBypass(dst netip.Addr, gw platform.DefaultGateway) error {
	r := platform.Route{
		Dest:      netip.PrefixFrom(dst, dst.BitLen()),
		Via:       gw.Gateway,
		Interface: gw.Interface,
	}
	if err := m.add(r); err != nil {
		return err
	}
	core.Log.Infof("Route", "Bypass route %s via %s", dst, gw.Interface)
	return nil
}

func (m *Manager) add(r platform.Route) error {
	if err := m.table.AddRoute(r); err != nil {
		return &core.PlatformError{Op: "route", Err: err}
	}
	m.mu.Lock()
	m.installed = append(m.installed, r)
	m.mu.Unlock()
	return nil
}

// rollback undoes a partially installed route set so a failed Connect leaves
// no OS state behind.
func (m *Manager) rollback() {
	if err := m.Disconnect(); err != nil {
		core.Log.Warnf("Route", "Rollback: %v", err)
	}
}
