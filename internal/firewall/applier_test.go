package firewall

import (
	"errors"
	"testing"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

// fakeFirewall records applied rulesets and fails on demand.
type fakeFirewall struct {
	applied [][]platform.FirewallRule
	resets  int
	fail    bool
}

func (f *fakeFirewall) ApplyRuleset(rules []platform.FirewallRule) error {
	if f.fail {
		return errors.New("nft: transaction rejected")
	}
	f.applied = append(f.applied, rules)
	return nil
}

func (f *fakeFirewall) Reset() error {
	if f.fail {
		return errors.New("nft: transaction rejected")
	}
	f.resets++
	return nil
}

func TestApplierKeepsLastGoodOnFailure(t *testing.T) {
	fw := &fakeFirewall{}
	a := NewApplier(fw)

	good := blockAll(nil)
	if err := a.Apply(good); err != nil {
		t.Fatal(err)
	}

	fw.fail = true
	err := a.Apply(nil)
	if err == nil {
		t.Fatal("failed apply must surface an error")
	}
	var platErr *core.PlatformError
	if !errors.As(err, &platErr) || platErr.Op != "firewall" {
		t.Errorf("got %v, want a firewall PlatformError", err)
	}

	current := a.Current()
	if len(current) != len(good) || current[0].Label != "block-all" {
		t.Errorf("current ruleset = %v, want the last good one kept in force", current)
	}
}

func TestApplierResetOnlyAfterApply(t *testing.T) {
	fw := &fakeFirewall{}
	a := NewApplier(fw)

	if err := a.Reset(); err != nil {
		t.Fatal(err)
	}
	if fw.resets != 0 {
		t.Error("reset before any apply must not touch the platform")
	}

	if err := a.Apply(blockAll(nil)); err != nil {
		t.Fatal(err)
	}
	if err := a.Reset(); err != nil {
		t.Fatal(err)
	}
	if fw.resets != 1 {
		t.Errorf("resets = %d, want 1", fw.resets)
	}
	if len(a.Current()) != 0 {
		t.Error("current ruleset should be empty after reset")
	}
}
