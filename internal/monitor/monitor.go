// Package monitor probes tunnel liveness while connected. It is a pure
// event source: it never acts on the tunnel itself, it only reports probe
// results to the state machine, which owns all recovery decisions.
package monitor

import (
	"context"
	"os"
	"time"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/driver"
)

// Prober sends one liveness probe through the tunnel. Implementations
// exist for in-tunnel ICMP echo and in-tunnel DNS queries.
type Prober interface {
	Probe(ctx context.Context) error
	Name() string
}

// Config tunes one monitor run.
type Config struct {
	// Interval between probes. Probes fire on a fixed cadence regardless
	// of outcome; inbound data plane traffic does not reset the cycle.
	Interval time.Duration
	// Timeout bounds each individual probe.
	Timeout time.Duration
	// MaxFailures is the consecutive probe failures tolerated before the
	// tunnel is declared dead.
	MaxFailures int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
}

// FromConfig builds monitor settings from the engine configuration.
func FromConfig(mc core.MonitorConfig) Config {
	c := Config{
		Interval:    core.Duration(mc.Interval, 3*time.Second),
		Timeout:     core.Duration(mc.Timeout, 2*time.Second),
		MaxFailures: mc.MaxFailures,
	}
	c.applyDefaults()
	return c
}

// Monitor runs the probe loop for a single connection. A new monitor is
// created per Connected entry and stopped on every exit from Connected.
type Monitor struct {
	cfg    Config
	prober Prober
	emit   func(core.MonitorEvent)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor that reports results through emit. emit is called
// from the monitor goroutine; the state machine wraps it into a mailbox
// post.
func New(cfg Config, prober Prober, emit func(core.MonitorEvent)) *Monitor {
	cfg.applyDefaults()
	return &Monitor{cfg: cfg, prober: prober, emit: emit}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
	core.Log.Infof("Monitor", "Started %s probes (interval=%s, timeout=%s, max_failures=%d)",
		m.prober.Name(), m.cfg.Interval, m.cfg.Timeout, m.cfg.MaxFailures)
}

// Stop terminates the probe loop and waits for it to exit. After Stop
// returns no further events are emitted.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err := m.prober.Probe(probeCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			if failures > 0 {
				core.Log.Infof("Monitor", "Probe recovered after %d failures", failures)
			}
			failures = 0
			m.emit(core.MonitorPingReply)
			continue
		}

		failures++
		core.Log.Debugf("Monitor", "Probe failed (%d/%d): %v", failures, m.cfg.MaxFailures, err)
		if failures >= m.cfg.MaxFailures {
			core.Log.Warnf("Monitor", "Tunnel unresponsive after %d consecutive probe failures", failures)
			m.emit(core.MonitorTimeout)
			return
		}
	}
}

// ProberFor selects the probe implementation for a connected tunnel. Mode
// "dns" queries the in-tunnel resolver; anything else pings the relay-side
// gateway.
func ProberFor(mode string, h driver.Handle, target core.TunnelTarget) Prober {
	gateway := target.Entry.IPv4Gateway
	if target.Multihop() {
		gateway = target.Exit.IPv4Gateway
	}
	if mode == "dns" {
		return NewDNSProber(h, gateway)
	}
	return NewPingProber(h, gateway, uint16(os.Getpid()))
}
