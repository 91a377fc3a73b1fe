package engine

import (
	"errors"
	"net/netip"
	"testing"

	"wg-tunnel-engine/internal/core"
)

func relayConfig(host, endpoint, tunnelAddr string, obfsPorts ...uint16) core.RelayConfig {
	return core.RelayConfig{
		Relay: core.Relay{
			Hostname:    host,
			Endpoint:    netip.MustParseAddrPort(endpoint),
			PublicKey:   "HIgo9xNzJMWLKASShiTqIybxZ0U3wGLiUeJ1PKf8ykw=",
			IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
			TunnelAddr:  netip.MustParseAddr(tunnelAddr),
		},
		ObfsPorts: obfsPorts,
	}
}

func TestBuildCandidatesOrdersDirectBeforeObfuscated(t *testing.T) {
	cfg := &core.Config{Relays: []core.RelayConfig{
		relayConfig("se-got-001", "185.213.154.68:51820", "10.64.0.2", 443),
		relayConfig("de-fra-002", "146.70.116.98:51820", "10.64.0.3"),
	}}

	c, err := BuildCandidates(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Two direct targets, then stream-cipher and tcp-wrap for the relay
	// that offers obfuscation ports.
	if c.Len() != 4 {
		t.Fatalf("got %d candidates, want 4", c.Len())
	}
	wantTransports := []core.TransportMode{
		core.TransportDirect, core.TransportDirect,
		core.TransportStreamCipher, core.TransportTCPWrap,
	}
	for i, want := range wantTransports {
		if got := c.targets[i].Transport; got != want {
			t.Errorf("candidate %d transport = %s, want %s", i, got, want)
		}
	}
	for i := 2; i < 4; i++ {
		if c.targets[i].Entry.Hostname != "se-got-001" {
			t.Errorf("candidate %d entry = %s, want se-got-001", i, c.targets[i].Entry.Hostname)
		}
		want := netip.AddrPortFrom(netip.MustParseAddr("185.213.154.68"), 443)
		if c.targets[i].ObfsEndpoint != want {
			t.Errorf("candidate %d obfs endpoint = %s, want %s", i, c.targets[i].ObfsEndpoint, want)
		}
	}
}

func TestBuildCandidatesMultihopPairsFirstEntryWithEachExit(t *testing.T) {
	cfg := &core.Config{
		Multihop: true,
		Relays: []core.RelayConfig{
			relayConfig("se-got-001", "185.213.154.68:51820", "10.64.0.2"),
			relayConfig("de-fra-002", "146.70.116.98:51820", "10.64.0.3"),
			relayConfig("nl-ams-003", "92.60.40.209:51820", "10.64.0.4"),
		},
	}

	c, err := BuildCandidates(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("got %d candidates, want 2 entry/exit pairs", c.Len())
	}
	for i, wantExit := range []string{"de-fra-002", "nl-ams-003"} {
		tgt := c.targets[i]
		if tgt.Entry.Hostname != "se-got-001" {
			t.Errorf("pair %d entry = %s, want se-got-001", i, tgt.Entry.Hostname)
		}
		if !tgt.Multihop() || tgt.Exit.Hostname != wantExit {
			t.Errorf("pair %d exit = %v, want %s", i, tgt.Exit, wantExit)
		}
	}
}

func TestBuildCandidatesNoRelays(t *testing.T) {
	_, err := BuildCandidates(&core.Config{})
	var cfgErr *core.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("got %v, want a config error", err)
	}
}

func TestBuildCandidatesRejectsInvalidRelay(t *testing.T) {
	bad := relayConfig("se-got-001", "185.213.154.68:51820", "10.64.0.2")
	bad.PublicKey = ""
	_, err := BuildCandidates(&core.Config{Relays: []core.RelayConfig{bad}})
	var cfgErr *core.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("got %v, want a config error", err)
	}
}

func TestAdvanceWrapsAround(t *testing.T) {
	cfg := &core.Config{Relays: []core.RelayConfig{
		relayConfig("se-got-001", "185.213.154.68:51820", "10.64.0.2"),
		relayConfig("de-fra-002", "146.70.116.98:51820", "10.64.0.3"),
	}}
	c, err := BuildCandidates(cfg)
	if err != nil {
		t.Fatal(err)
	}

	first := c.Current()
	for i := 0; i < c.Len(); i++ {
		c.Advance()
	}
	if c.Current().Entry.Hostname != first.Entry.Hostname {
		t.Error("a full cycle of Advance must return to the first candidate")
	}
}

func TestAdvanceToObfuscatedSkipsDirectTargets(t *testing.T) {
	cfg := &core.Config{Relays: []core.RelayConfig{
		relayConfig("se-got-001", "185.213.154.68:51820", "10.64.0.2", 443),
		relayConfig("de-fra-002", "146.70.116.98:51820", "10.64.0.3"),
	}}
	c, err := BuildCandidates(cfg)
	if err != nil {
		t.Fatal(err)
	}

	c.AdvanceToObfuscated()
	if got := c.Current().Transport; got == core.TransportDirect {
		t.Errorf("cursor on %s, want an obfuscated candidate", got)
	}
}

func TestAdvanceToObfuscatedFallsBackWhenNoneExist(t *testing.T) {
	cfg := &core.Config{Relays: []core.RelayConfig{
		relayConfig("se-got-001", "185.213.154.68:51820", "10.64.0.2"),
		relayConfig("de-fra-002", "146.70.116.98:51820", "10.64.0.3"),
	}}
	c, err := BuildCandidates(cfg)
	if err != nil {
		t.Fatal(err)
	}

	c.AdvanceToObfuscated()
	if c.Current().Entry.Hostname != "de-fra-002" {
		t.Errorf("cursor on %s, want plain advance to de-fra-002", c.Current().Entry.Hostname)
	}
}

func TestResetRewindsCursor(t *testing.T) {
	cfg := &core.Config{Relays: []core.RelayConfig{
		relayConfig("se-got-001", "185.213.154.68:51820", "10.64.0.2"),
		relayConfig("de-fra-002", "146.70.116.98:51820", "10.64.0.3"),
	}}
	c, err := BuildCandidates(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.Advance()
	c.Reset()
	if c.Current().Entry.Hostname != "se-got-001" {
		t.Error("Reset must rewind to the first candidate")
	}
}
