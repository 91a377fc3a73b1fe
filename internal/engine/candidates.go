package engine

import (
	"net/netip"

	"wg-tunnel-engine/internal/core"
)

// Candidates is the ordered list of connection targets for the current
// settings, walked by a cursor. The order encodes the fallback strategy:
// every relay direct first, then the obfuscated variants, so plain
// WireGuard is always tried before paying the obfuscation overhead.
type Candidates struct {
	targets []core.TunnelTarget
	cursor  int
}

// BuildCandidates derives the target list from the relay directory. With
// multihop enabled the first relay becomes the entry and each remaining
// relay an exit.
func BuildCandidates(cfg *core.Config) (*Candidates, error) {
	if len(cfg.Relays) == 0 {
		return nil, &core.ConfigError{Reason: "no relays configured"}
	}

	var pairs []core.TunnelTarget
	if cfg.Multihop && len(cfg.Relays) >= 2 {
		entry := cfg.Relays[0]
		for i := 1; i < len(cfg.Relays); i++ {
			exit := cfg.Relays[i].Relay
			pairs = append(pairs, core.TunnelTarget{
				Entry:     entry.Relay,
				Exit:      &exit,
				ObfsPorts: entry.ObfsPorts,
				MTU:       cfg.MTU,
			})
		}
	} else {
		for _, rc := range cfg.Relays {
			pairs = append(pairs, core.TunnelTarget{
				Entry:     rc.Relay,
				ObfsPorts: rc.ObfsPorts,
				MTU:       cfg.MTU,
			})
		}
	}

	var targets []core.TunnelTarget
	for _, t := range pairs {
		direct := t
		direct.Transport = core.TransportDirect
		targets = append(targets, direct)
	}
	for _, mode := range []core.TransportMode{core.TransportStreamCipher, core.TransportTCPWrap} {
		for _, t := range pairs {
			if len(t.ObfsPorts) == 0 {
				continue
			}
			obfs := t
			obfs.Transport = mode
			obfs.ObfsEndpoint = netip.AddrPortFrom(t.Entry.Endpoint.Addr(), t.ObfsPorts[0])
			targets = append(targets, obfs)
		}
	}

	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return &Candidates{targets: targets}, nil
}

// Current returns the target the cursor points at.
func (c *Candidates) Current() core.TunnelTarget {
	return c.targets[c.cursor]
}

// Advance moves to the next candidate, wrapping around so retries never
// run out of targets.
func (c *Candidates) Advance() {
	c.cursor = (c.cursor + 1) % len(c.targets)
}

// AdvanceToObfuscated jumps to the next obfuscated candidate. Used when
// the failure looks like on-path filtering: retrying more direct targets
// would hit the same filter, obfuscation might not. Falls back to a plain
// advance when no obfuscated candidate exists.
func (c *Candidates) AdvanceToObfuscated() {
	for i := 1; i <= len(c.targets); i++ {
		next := (c.cursor + i) % len(c.targets)
		if c.targets[next].Transport != core.TransportDirect {
			c.cursor = next
			return
		}
	}
	c.Advance()
}

// Reset rewinds the cursor. Called on a fresh user Connect.
func (c *Candidates) Reset() {
	c.cursor = 0
}

// Len returns the number of candidates.
func (c *Candidates) Len() int { return len(c.targets) }
