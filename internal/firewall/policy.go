package firewall

import (
	"net/netip"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

// lanPrefixes are the private/link-local ranges the LAN exception allows.
var lanPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
}

// Compute derives the required leak-protection ruleset from the current
// tunnel state and user settings. Pure function: it is recomputed in full on
// every transition, never patched incrementally.
func Compute(state core.TunnelState, settings core.FirewallSettings) []platform.FirewallRule {
	switch state.Kind {
	case core.StateError:
		if state.Blocking {
			// Revoked/expired: block everything regardless of settings.
			return blockAll(nil)
		}
		return disconnectedRules(settings)

	case core.StateDisconnected:
		return disconnectedRules(settings)

	case core.StateConnecting:
		return transitionRules(state.Target, settings)

	case core.StateDisconnecting:
		// The unwind window is a leak risk; keep only loopback and the
		// LAN exception until the driver confirms it is gone.
		var rules []platform.FirewallRule
		rules = appendLoopback(rules)
		rules = appendLAN(rules, settings)
		return blockAll(rules)

	case core.StateConnected:
		return connectedRules(state, settings)

	default:
		return blockAll(nil)
	}
}

func disconnectedRules(settings core.FirewallSettings) []platform.FirewallRule {
	if !settings.Lockdown {
		// Without lockdown the disconnected state imposes nothing.
		return nil
	}
	var rules []platform.FirewallRule
	rules = appendLoopback(rules)
	rules = appendLAN(rules, settings)
	return blockAll(rules)
}

// transitionRules cover Connecting: only the relay wire endpoint may be
// reached, so a failing handshake can never leak application traffic.
func transitionRules(target core.TunnelTarget, settings core.FirewallSettings) []platform.FirewallRule {
	var rules []platform.FirewallRule
	rules = appendLoopback(rules)
	rules = appendLAN(rules, settings)
	rules = appendWireEndpoint(rules, target)
	return blockAll(rules)
}

func connectedRules(state core.TunnelState, settings core.FirewallSettings) []platform.FirewallRule {
	target := state.Target
	var rules []platform.FirewallRule
	rules = appendLoopback(rules)
	rules = appendLAN(rules, settings)
	rules = appendWireEndpoint(rules, target)

	// DNS is pinned: queries may only go to the in-tunnel gateway resolver
	// or to the configured custom resolvers. Everything else on port 53 is
	// blocked ahead of the general allow.
	resolvers := settings.CustomDNS
	if len(resolvers) == 0 {
		gateway := target.Entry.IPv4Gateway
		if target.Multihop() {
			gateway = target.Exit.IPv4Gateway
		}
		if gateway.IsValid() {
			resolvers = []netip.Addr{gateway}
		}
	}
	for _, r := range resolvers {
		rules = append(rules, platform.FirewallRule{
			Verdict:  platform.VerdictAllow,
			Label:    "allow-dns",
			Dest:     netip.PrefixFrom(r, r.BitLen()),
			DestPort: 53,
		})
	}
	rules = append(rules, platform.FirewallRule{
		Verdict:  platform.VerdictBlock,
		Label:    "block-stray-dns",
		DestPort: 53,
	})

	// When the driver exposes a kernel interface, the general allow is
	// pinned to it so only tunnel-bound traffic may leave. Userspace
	// drivers have no interface and keep the unbound allow.
	rules = append(rules, platform.FirewallRule{
		Verdict:   platform.VerdictAllow,
		Label:     "allow-connected",
		Interface: state.Interface,
	})
	return rules
}

func appendLoopback(rules []platform.FirewallRule) []platform.FirewallRule {
	return append(rules, platform.FirewallRule{
		Verdict:  platform.VerdictAllow,
		Label:    "allow-loopback",
		Loopback: true,
	})
}

func appendLAN(rules []platform.FirewallRule, settings core.FirewallSettings) []platform.FirewallRule {
	if !settings.AllowLAN {
		return rules
	}
	for _, p := range lanPrefixes {
		rules = append(rules, platform.FirewallRule{
			Verdict: platform.VerdictAllow,
			Label:   "allow-lan",
			Dest:    p,
		})
	}
	return rules
}

// appendWireEndpoint allows the endpoint the wire connection targets. When
// obfuscating that is the obfuscator endpoint, not the relay itself.
func appendWireEndpoint(rules []platform.FirewallRule, target core.TunnelTarget) []platform.FirewallRule {
	ep := target.WireEndpoint()
	if !ep.IsValid() {
		return rules
	}
	proto := "udp"
	if target.Transport == core.TransportTCPWrap {
		proto = "tcp"
	}
	return append(rules, platform.FirewallRule{
		Verdict:  platform.VerdictAllow,
		Label:    "allow-relay",
		Dest:     netip.PrefixFrom(ep.Addr(), ep.Addr().BitLen()),
		DestPort: ep.Port(),
		Proto:    proto,
	})
}

func blockAll(rules []platform.FirewallRule) []platform.FirewallRule {
	return append(rules, platform.FirewallRule{
		Verdict: platform.VerdictBlock,
		Label:   "block-all",
	})
}
