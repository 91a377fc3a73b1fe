//go:build linux

package linux

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/platform"
)

const nftTable = "wg-tunnel-engine"

// Firewall implements platform.Firewall by feeding a generated ruleset to
// nft. `nft -f` applies the whole file as one transaction, which gives the
// atomicity the applier contract requires: a rejected ruleset leaves the
// previous one untouched.
type Firewall struct {
	nftPath string
}

// NewFirewall locates the nft binary.
func NewFirewall() (*Firewall, error) {
	path, err := exec.LookPath("nft")
	if err != nil {
		return nil, fmt.Errorf("nft not found: %w", err)
	}
	return &Firewall{nftPath: path}, nil
}

var _ platform.Firewall = (*Firewall)(nil)

// ApplyRuleset replaces the engine's nft table with the given rules.
func (f *Firewall) ApplyRuleset(rules []platform.FirewallRule) error {
	script := renderRuleset(rules)
	cmd := exec.Command(f.nftPath, "-f", "-")
	cmd.Stdin = strings.NewReader(script)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft apply: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	core.Log.Debugf("Firewall", "Applied %d rules", len(rules))
	return nil
}

// Reset drops the engine's nft table entirely.
func (f *Firewall) Reset() error {
	cmd := exec.Command(f.nftPath, "-f", "-")
	// Declaring before deleting makes the delete idempotent.
	cmd.Stdin = strings.NewReader(fmt.Sprintf(
		"table inet %q {}\ndelete table inet %q\n", nftTable, nftTable))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft reset: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// renderRuleset translates the ordered rule list into an nft script that
// atomically replaces the engine's table.
func renderRuleset(rules []platform.FirewallRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "table inet %q {}\n", nftTable)
	fmt.Fprintf(&b, "delete table inet %q\n", nftTable)
	fmt.Fprintf(&b, "table inet %q {\n", nftTable)
	b.WriteString("  chain output {\n")
	b.WriteString("    type filter hook output priority 0; policy accept;\n")

	for _, r := range rules {
		b.WriteString("    ")
		b.WriteString(renderRule(r))
		b.WriteString("\n")
	}

	b.WriteString("  }\n")
	b.WriteString("}\n")
	return b.String()
}

func renderRule(r platform.FirewallRule) string {
	var parts []string
	if r.Loopback {
		parts = append(parts, `oifname "lo"`)
	}
	if r.Interface != "" {
		parts = append(parts, fmt.Sprintf("oifname %q", r.Interface))
	}
	if r.Dest.IsValid() {
		parts = append(parts, fmt.Sprintf("ip daddr %s", r.Dest))
	}
	if r.Proto != "" {
		if r.DestPort != 0 {
			parts = append(parts, fmt.Sprintf("%s dport %d", r.Proto, r.DestPort))
		} else {
			parts = append(parts, fmt.Sprintf("meta l4proto %s", r.Proto))
		}
	} else if r.DestPort != 0 {
		parts = append(parts, fmt.Sprintf("meta l4proto { tcp, udp } th dport %d", r.DestPort))
	}

	verdict := "accept"
	if r.Verdict == platform.VerdictBlock {
		verdict = "drop"
	}
	parts = append(parts, fmt.Sprintf("%s comment %q", verdict, r.Label))
	return strings.Join(parts, " ")
}
