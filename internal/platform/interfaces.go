package platform

import (
	"net/netip"
)

// RuleVerdict is what a firewall rule does with matching traffic.
type RuleVerdict int

const (
	VerdictAllow RuleVerdict = iota
	VerdictBlock
)

func (v RuleVerdict) String() string {
	if v == VerdictAllow {
		return "allow"
	}
	return "block"
}

// FirewallRule is one entry in a totally ordered ruleset. Earlier rules win.
type FirewallRule struct {
	Verdict RuleVerdict
	// Label names the rule for logging and diffing ("allow-relay",
	// "block-all", ...).
	Label string
	// Dest restricts the rule to a destination prefix; zero means any.
	Dest netip.Prefix
	// DestPort restricts the rule to a destination port; zero means any.
	DestPort uint16
	// Proto restricts the rule to "udp" or "tcp"; empty means any.
	Proto string
	// Interface restricts the rule to traffic leaving an interface name;
	// empty means any.
	Interface string
	// Loopback marks the rule as matching loopback traffic only.
	Loopback bool
}

// Firewall installs leak-protection rulesets. Application must be atomic
// from the caller's perspective: on error the previously applied ruleset
// remains in effect.
type Firewall interface {
	// ApplyRuleset replaces the active ruleset with the given one.
	ApplyRuleset(rules []FirewallRule) error
	// Reset removes all rules installed by this session.
	Reset() error
}

// Route is one routing table entry managed by the engine.
type Route struct {
	Dest netip.Prefix
	// Via is the next-hop gateway; invalid means an on-link route.
	Via netip.Addr
	// Interface is the outgoing interface name.
	Interface string
	Metric    int
}

// DefaultGateway describes the system's current physical default route.
type DefaultGateway struct {
	Interface string
	Gateway   netip.Addr
	LocalIP   netip.Addr
}

// RouteTable abstracts system routing table manipulation.
type RouteTable interface {
	// DefaultGateway finds the current non-tunnel default route. Returns an
	// error when no usable network interface exists; the engine surfaces
	// that explicitly instead of retrying forever.
	DefaultGateway() (DefaultGateway, error)
	// AddRoute installs a route. Adding an already-present route is not an
	// error.
	AddRoute(r Route) error
	// DeleteRoute removes a previously added route. Removing a route that
	// is already gone is not an error.
	DeleteRoute(r Route) error
}

// DNSConfigurator abstracts system resolver configuration.
type DNSConfigurator interface {
	// Set points the system resolver at the given servers for the given
	// tunnel interface.
	Set(iface string, servers []netip.Addr) error
	// Restore reverts to the resolver configuration in place before the
	// first Set. Restoring with nothing set is not an error.
	Restore() error
}
