package dnsconfig

import (
	"net/netip"
	"testing"

	"wg-tunnel-engine/internal/core"
)

func target() core.TunnelTarget {
	return core.TunnelTarget{
		Entry: core.Relay{
			Endpoint:    netip.MustParseAddrPort("198.51.100.10:51820"),
			IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
			TunnelAddr:  netip.MustParseAddr("10.64.12.5"),
		},
	}
}

func TestResolveServersDefaultsToGateway(t *testing.T) {
	servers := ResolveServers(target(), core.FirewallSettings{})
	if len(servers) != 1 || servers[0] != netip.MustParseAddr("10.64.0.1") {
		t.Errorf("servers = %v, want the in-tunnel gateway", servers)
	}
}

func TestResolveServersCustomDNSWins(t *testing.T) {
	custom := []netip.Addr{netip.MustParseAddr("9.9.9.9")}
	servers := ResolveServers(target(), core.FirewallSettings{
		CustomDNS:         custom,
		BlockedCategories: []string{"ads"},
	})
	if len(servers) != 1 || servers[0] != custom[0] {
		t.Errorf("servers = %v, want the custom resolver to win over categories", servers)
	}
}

func TestResolveServersCategoryBits(t *testing.T) {
	cases := []struct {
		categories []string
		want       netip.Addr
	}{
		{[]string{"ads"}, netip.MustParseAddr("100.64.0.1")},
		{[]string{"ads", "trackers"}, netip.MustParseAddr("100.64.0.3")},
		{[]string{"malware", "gambling"}, netip.MustParseAddr("100.64.0.20")},
		{[]string{"ads", "trackers", "malware", "adult", "gambling", "social"}, netip.MustParseAddr("100.64.0.63")},
	}
	for _, tc := range cases {
		servers := ResolveServers(target(), core.FirewallSettings{BlockedCategories: tc.categories})
		if len(servers) != 1 || servers[0] != tc.want {
			t.Errorf("categories %v: servers = %v, want %s", tc.categories, servers, tc.want)
		}
	}
}

func TestResolveServersUnknownCategoryIgnored(t *testing.T) {
	servers := ResolveServers(target(), core.FirewallSettings{BlockedCategories: []string{"bogus"}})
	if len(servers) != 1 || servers[0] != netip.MustParseAddr("10.64.0.1") {
		t.Errorf("servers = %v, want fallback to gateway when no category matches", servers)
	}
}

// fakeConfigurator records resolver changes.
type fakeConfigurator struct {
	setIface   string
	setServers []netip.Addr
	sets       int
	restores   int
}

func (f *fakeConfigurator) Set(iface string, servers []netip.Addr) error {
	f.setIface = iface
	f.setServers = servers
	f.sets++
	return nil
}

func (f *fakeConfigurator) Restore() error {
	f.restores++
	return nil
}

func TestManagerRestoreOnlyAfterSet(t *testing.T) {
	fc := &fakeConfigurator{}
	m := NewManager(fc)

	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if fc.restores != 0 {
		t.Error("disconnect before connect must not restore anything")
	}

	if err := m.Connect("wg0", target(), core.FirewallSettings{}); err != nil {
		t.Fatal(err)
	}
	if fc.sets != 1 || fc.setIface != "wg0" {
		t.Errorf("sets=%d iface=%q", fc.sets, fc.setIface)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if fc.restores != 1 {
		t.Errorf("restores = %d, want 1", fc.restores)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if fc.restores != 1 {
		t.Error("second disconnect must not restore again")
	}
}
