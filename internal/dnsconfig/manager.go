package dnsconfig

import (
	"net/netip"
	"sync"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

// categoryBits maps blocked content categories to the filtering-resolver
// address bits. The relay runs filtering resolvers at 100.64.0.x where x is
// the OR of the selected category bits.
var categoryBits = map[string]uint8{
	"ads":      0x1,
	"trackers": 0x2,
	"malware":  0x4,
	"adult":    0x8,
	"gambling": 0x10,
	"social":   0x20,
}

// Manager configures the system resolver on connect and restores it on
// disconnect.
type Manager struct {
	dns platform.DNSConfigurator

	mu  sync.Mutex
	set bool
}

// NewManager creates a DNS manager over the given resolver binding.
func NewManager(dns platform.DNSConfigurator) *Manager {
	return &Manager{dns: dns}
}

// ResolveServers decides which resolvers a connection should use: the
// custom DNS allow-list if set, else the relay's filtering resolver when
// content categories are blocked, else the plain in-tunnel gateway.
func ResolveServers(target core.TunnelTarget, settings core.FirewallSettings) []netip.Addr {
	if len(settings.CustomDNS) > 0 {
		return settings.CustomDNS
	}

	var bits uint8
	for _, cat := range settings.BlockedCategories {
		if b, ok := categoryBits[cat]; ok {
			bits |= b
		} else {
			core.Log.Warnf("DNS", "Unknown blocked category %q ignored", cat)
		}
	}
	if bits != 0 {
		return []netip.Addr{netip.AddrFrom4([4]byte{100, 64, 0, bits})}
	}

	gateway := target.Entry.IPv4Gateway
	if target.Multihop() {
		gateway = target.Exit.IPv4Gateway
	}
	if gateway.IsValid() {
		return []netip.Addr{gateway}
	}
	return nil
}

// Connect applies the resolver configuration for the given target.
func (m *Manager) Connect(tunnelIface string, target core.TunnelTarget, settings core.FirewallSettings) error {
	servers := ResolveServers(target, settings)
	if len(servers) == 0 {
		core.Log.Debugf("DNS", "No resolvers to configure for %s", target)
		return nil
	}
	if err := m.dns.Set(tunnelIface, servers); err != nil {
		return &core.PlatformError{Op: "dns", Err: err}
	}
	m.mu.Lock()
	m.set = true
	m.mu.Unlock()
	return nil
}

// Disconnect restores the resolver configuration. Safe to call when nothing
// was set.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	wasSet := m.set
	m.set = false
	m.mu.Unlock()

	if !wasSet {
		return nil
	}
	if err := m.dns.Restore(); err != nil {
		return &core.PlatformError{Op: "dns", Err: err}
	}
	return nil
}
