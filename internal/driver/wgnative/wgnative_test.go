package wgnative

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/keys"
)

func testTarget(t *testing.T) (core.TunnelTarget, keys.Material) {
	t.Helper()
	kp, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	target := core.TunnelTarget{
		Entry: core.Relay{
			Hostname:    "se-got-001",
			Endpoint:    netip.MustParseAddrPort("185.213.154.68:51820"),
			PublicKey:   peer.PublicBase64(),
			IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
			TunnelAddr:  netip.MustParseAddr("10.64.0.2"),
		},
	}
	return target, keys.Material{Device: kp}
}

func TestBuildUAPIFieldOrder(t *testing.T) {
	target, material := testTarget(t)
	cfg, err := buildUAPI(target, target.Entry, material, target.Entry.Endpoint)
	if err != nil {
		t.Fatal(err)
	}

	// public_key opens the peer section; everything after it is per-peer.
	lines := strings.Split(strings.TrimRight(cfg, "\n"), "\n")
	peerAt := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "public_key=") {
			peerAt = i
			break
		}
	}
	if peerAt < 0 {
		t.Fatalf("no public_key line in:\n%s", cfg)
	}
	for _, want := range []string{"private_key=", "replace_peers=true"} {
		found := false
		for _, line := range lines[:peerAt] {
			if strings.HasPrefix(line, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("%s must precede the peer section in:\n%s", want, cfg)
		}
	}
	for _, want := range []string{
		"endpoint=185.213.154.68:51820",
		"allowed_ip=0.0.0.0/0",
		"allowed_ip=::/0",
		"persistent_keepalive_interval=25",
	} {
		found := false
		for _, line := range lines[peerAt:] {
			if line == want {
				found = true
			}
		}
		if !found {
			t.Errorf("peer section missing %q in:\n%s", want, cfg)
		}
	}
}

func TestBuildUAPIHexEncodesKeys(t *testing.T) {
	target, material := testTarget(t)
	cfg, err := buildUAPI(target, target.Entry, material, target.Entry.Endpoint)
	if err != nil {
		t.Fatal(err)
	}

	priv := material.Device.PrivateBytes()
	if !strings.Contains(cfg, fmt.Sprintf("private_key=%x\n", priv[:])) {
		t.Error("private key not hex encoded")
	}
	wantPeer, err := keys.Base64ToHex(target.Entry.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cfg, "public_key="+wantPeer+"\n") {
		t.Error("peer key not hex encoded")
	}
	if strings.Contains(cfg, "preshared_key=") {
		t.Error("preshared_key rendered without a negotiated secret")
	}
}

func TestBuildUAPIIncludesPresharedKey(t *testing.T) {
	target, material := testTarget(t)
	psk := [32]byte{1, 2, 3}
	material.PresharedKey = &psk

	cfg, err := buildUAPI(target, target.Entry, material, target.Entry.Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cfg, fmt.Sprintf("preshared_key=%x\n", psk[:])) {
		t.Error("negotiated secret missing from device config")
	}
}

func TestBuildUAPIRejectsMissingMaterial(t *testing.T) {
	target, _ := testTarget(t)

	_, err := buildUAPI(target, target.Entry, keys.Material{}, target.Entry.Endpoint)
	var cfgErr *core.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("no device key: got %v, want a config error", err)
	}

	bad := target.Entry
	bad.PublicKey = "not-base64!"
	_, err = buildUAPI(target, bad, keys.Material{Device: mustKeyPair(t)}, target.Entry.Endpoint)
	if !errors.As(err, &cfgErr) {
		t.Errorf("bad relay key: got %v, want a config error", err)
	}
}

func mustKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestLastHandshakePicksLatestPeer(t *testing.T) {
	state := "public_key=aa\nlast_handshake_time_sec=100\n" +
		"public_key=bb\nlast_handshake_time_sec=250\n" +
		"rx_bytes=12345\n"
	ts, err := lastHandshake(state)
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(time.Unix(250, 0)) {
		t.Errorf("got %v, want %v", ts, time.Unix(250, 0))
	}
}

func TestLastHandshakeZeroMeansNoHandshake(t *testing.T) {
	ts, err := lastHandshake("public_key=aa\nlast_handshake_time_sec=0\n")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.IsZero() {
		t.Errorf("got %v, want zero time", ts)
	}
}
