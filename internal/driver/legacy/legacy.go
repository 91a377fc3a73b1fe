// Package legacy drives tunnel protocols implemented by an external
// process instead of an in-process device. The engine supervises the child:
// it waits for the process to report a working data path before the state
// machine advances, and a child exit while connected surfaces as a tunnel
// event, not a silent leak.
package legacy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/icmp"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/driver"
	"wg-tunnel-engine/internal/keys"
)

// Config describes the external tunnel binary.
type Config struct {
	// BinaryPath is the tunnel process executable.
	BinaryPath string `yaml:"binary_path"`
	// Args are passed verbatim; {endpoint} expands to the wire endpoint.
	Args []string `yaml:"args"`
	// ReadyMarker is the stdout line prefix that signals the data path is
	// up, for example "Initialization Sequence Completed".
	ReadyMarker string `yaml:"ready_marker"`
	// InterfaceName is the kernel interface the process creates.
	InterfaceName string `yaml:"interface_name"`
	// StartTimeout bounds the wait for ReadyMarker.
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// Driver supervises one external tunnel process per connection.
type Driver struct {
	cfg Config
}

func New(cfg Config) *Driver {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return "legacy-process" }

func (d *Driver) Start(ctx context.Context, target core.TunnelTarget, _ keys.Material) (driver.Handle, error) {
	if d.cfg.BinaryPath == "" {
		return nil, &core.ConfigError{Reason: "legacy driver has no binary configured"}
	}

	args := make([]string, 0, len(d.cfg.Args))
	for _, a := range d.cfg.Args {
		args = append(args, strings.ReplaceAll(a, "{endpoint}", target.WireEndpoint().String()))
	}

	cmd := exec.Command(d.cfg.BinaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &core.PlatformError{Op: "tunnel-process", Err: err}
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, &core.PlatformError{Op: "tunnel-process", Err: err}
	}
	core.Log.Infof("Driver", "Started %s (pid=%d) for %s", d.cfg.BinaryPath, cmd.Process.Pid, target)

	h := &handle{cmd: cmd, iface: d.cfg.InterfaceName, exited: make(chan error, 1)}

	ready := make(chan struct{})
	go h.scanOutput(stdout, d.cfg.ReadyMarker, ready)
	go func() { h.exited <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		h.Stop()
		return nil, ctx.Err()
	case err := <-h.exited:
		return nil, &core.HandshakeError{Op: "tunnel-process", Err: fmt.Errorf("exited before ready: %v", err)}
	case <-time.After(d.cfg.StartTimeout):
		h.Stop()
		return nil, &core.HandshakeError{Op: "tunnel-process", Err: context.DeadlineExceeded}
	case <-ready:
		return h, nil
	}
}

type handle struct {
	cmd   *exec.Cmd
	iface string

	exited   chan error
	stopOnce sync.Once
}

// scanOutput relays the child's output into the engine log and closes
// ready when the marker appears. An empty marker means the first output
// line counts as ready.
func (h *handle) scanOutput(r io.Reader, marker string, ready chan struct{}) {
	sc := bufio.NewScanner(r)
	signalled := false
	for sc.Scan() {
		line := sc.Text()
		core.Log.Debugf("Driver", "process: %s", line)
		if !signalled && (marker == "" || strings.Contains(line, marker)) {
			signalled = true
			close(ready)
		}
	}
}

// Stop terminates the child, escalating from SIGTERM to SIGKILL, and waits
// for it to exit so the caller knows the data path is gone.
func (h *handle) Stop() {
	h.stopOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		h.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-h.exited:
		case <-time.After(5 * time.Second):
			core.Log.Warnf("Driver", "Process %d ignored SIGTERM, killing", h.cmd.Process.Pid)
			h.cmd.Process.Kill()
			<-h.exited
		}
		core.Log.Infof("Driver", "Process %d stopped", h.cmd.Process.Pid)
	})
}

// Wait exposes the child's exit for crash detection while connected.
func (h *handle) Wait() <-chan error { return h.exited }

// Health is unavailable: the process owns its own handshakes.
func (h *handle) Health() (time.Time, error) {
	return time.Time{}, driver.ErrHealthUnsupported
}

// DialUDP uses the host stack; the kernel routes it through the process's
// interface once routes are installed.
func (h *handle) DialUDP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp4", addr.String())
}

// DialPing opens an unprivileged ICMP socket on the host stack.
func (h *handle) DialPing(ctx context.Context, addr netip.Addr) (net.PacketConn, error) {
	return icmp.ListenPacket("udp4", "")
}

func (h *handle) InterfaceName() string { return h.iface }
