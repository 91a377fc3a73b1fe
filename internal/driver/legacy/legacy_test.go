//go:build unix

package legacy

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/keys"
)

func init() {
	core.Log = core.NewLogger(core.LogConfig{Level: "off"})
}

func testTarget() core.TunnelTarget {
	return core.TunnelTarget{
		Entry: core.Relay{
			Hostname:   "se-got-001",
			Endpoint:   netip.MustParseAddrPort("185.213.154.68:51820"),
			PublicKey:  "HIgo9xNzJMWLKASShiTqIybxZ0U3wGLiUeJ1PKf8ykw=",
			TunnelAddr: netip.MustParseAddr("10.64.0.2"),
		},
	}
}

func TestStartWaitsForReadyMarker(t *testing.T) {
	d := New(Config{
		BinaryPath:   "sh",
		Args:         []string{"-c", "echo starting; echo TUNNEL READY to {endpoint}; sleep 30"},
		ReadyMarker:  "TUNNEL READY",
		StartTimeout: 10 * time.Second,
	})

	h, err := d.Start(context.Background(), testTarget(), keys.Material{})
	if err != nil {
		t.Fatal(err)
	}
	h.Stop()
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	d := New(Config{
		BinaryPath:  "sh",
		Args:        []string{"-c", "echo cannot resolve relay; exit 1"},
		ReadyMarker: "never printed",
	})

	_, err := d.Start(context.Background(), testTarget(), keys.Material{})
	var hsErr *core.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Errorf("got %v, want a handshake error", err)
	}
}

func TestStartTimesOutWithoutMarker(t *testing.T) {
	d := New(Config{
		BinaryPath:   "sh",
		Args:         []string{"-c", "echo still negotiating; sleep 30"},
		ReadyMarker:  "never printed",
		StartTimeout: 100 * time.Millisecond,
	})

	start := time.Now()
	_, err := d.Start(context.Background(), testTarget(), keys.Material{})
	var hsErr *core.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Errorf("got %v, want a handshake error", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not bound the wait")
	}
}

func TestStartCancelledByContext(t *testing.T) {
	d := New(Config{
		BinaryPath:  "sh",
		Args:        []string{"-c", "sleep 30"},
		ReadyMarker: "never printed",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := d.Start(ctx, testTarget(), keys.Material{}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestStopTerminatesProcessAndReportsExit(t *testing.T) {
	d := New(Config{
		BinaryPath:  "sh",
		Args:        []string{"-c", "echo up; sleep 30"},
		ReadyMarker: "up",
	})

	h, err := d.Start(context.Background(), testTarget(), keys.Material{})
	if err != nil {
		t.Fatal(err)
	}

	h.Stop()
	h.Stop() // idempotent

	// Stop only returns once the child has fully exited.
	lh := h.(*handle)
	if lh.cmd.ProcessState == nil {
		t.Error("Stop returned before the process exited")
	}
}

func TestEndpointExpansion(t *testing.T) {
	d := New(Config{
		BinaryPath:  "sh",
		Args:        []string{"-c", "echo connecting to {endpoint}; sleep 30"},
		ReadyMarker: "connecting to 185.213.154.68:51820",
	})

	h, err := d.Start(context.Background(), testTarget(), keys.Material{})
	if err != nil {
		t.Fatalf("endpoint placeholder not expanded: %v", err)
	}
	h.Stop()
}

func TestStartWithoutBinaryIsConfigError(t *testing.T) {
	d := New(Config{})
	_, err := d.Start(context.Background(), testTarget(), keys.Material{})
	var cfgErr *core.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("got %v, want a config error", err)
	}
}
