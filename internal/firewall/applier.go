package firewall

import (
	"sync"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

// Applier installs computed rulesets through the platform firewall and
// remembers what is currently in force. A failed apply leaves the previous
// ruleset active and surfaces a PlatformError; partial application is never
// observable from here.
type Applier struct {
	mu      sync.Mutex
	fw      platform.Firewall
	current []platform.FirewallRule
	applied bool
}

// NewApplier wraps a platform firewall binding.
func NewApplier(fw platform.Firewall) *Applier {
	return &Applier{fw: fw}
}

// Apply replaces the active ruleset.
func (a *Applier) Apply(rules []platform.FirewallRule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.fw.ApplyRuleset(rules); err != nil {
		core.Log.Errorf("Firewall", "Apply failed, keeping previous ruleset: %v", err)
		return &core.PlatformError{Op: "firewall", Err: err}
	}
	a.current = rules
	a.applied = true
	core.Log.Debugf("Firewall", "Ruleset in force: %d rules", len(rules))
	return nil
}

// Current returns the ruleset currently in force.
func (a *Applier) Current() []platform.FirewallRule {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]platform.FirewallRule, len(a.current))
	copy(out, a.current)
	return out
}

// Reset removes all installed rules. Used only on engine shutdown when no
// driver instance exists and lockdown is off.
func (a *Applier) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.applied {
		return nil
	}
	if err := a.fw.Reset(); err != nil {
		return &core.PlatformError{Op: "firewall", Err: err}
	}
	a.current = nil
	a.applied = false
	return nil
}
