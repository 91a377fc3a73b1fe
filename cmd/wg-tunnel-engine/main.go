package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/dnsconfig"
	"wg-tunnel-engine/internal/driver"
	"wg-tunnel-engine/internal/driver/legacy"
	"wg-tunnel-engine/internal/driver/multihop"
	"wg-tunnel-engine/internal/driver/obfuscated"
	"wg-tunnel-engine/internal/driver/wgnative"
	"wg-tunnel-engine/internal/engine"
	"wg-tunnel-engine/internal/firewall"
	"wg-tunnel-engine/internal/keys"
	"wg-tunnel-engine/internal/monitor"
	"wg-tunnel-engine/internal/routing"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	connectNow := flag.Bool("connect", false, "Connect immediately on startup")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wg-tunnel-engine %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	core.Log.Infof("Core", "wg-tunnel-engine %s starting...", version)

	bus := core.NewEventBus()

	cfgManager := core.NewConfigManager(resolveRelativeToExe(*configPath), bus)
	if err := cfgManager.Load(); err != nil {
		core.Log.Fatalf("Core", "Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()
	core.Log = core.NewLogger(cfg.Logging)

	caps, err := newCapabilities()
	if err != nil {
		core.Log.Fatalf("Core", "Platform capabilities: %v", err)
	}

	keyStore := keys.NewStore(cfg.Keys.Keyring, filepath.Join(filepath.Dir(resolveRelativeToExe(*configPath)), "device.key"))
	rotation, err := keys.NewRotationManager(
		keys.RotationConfig{
			Interval:        core.Duration(cfg.Keys.RotationInterval, 0),
			RegisterRetries: cfg.Keys.RegisterRetries,
		},
		offlineAccount{},
		keyStore,
		bus,
		nil, // set below once the engine exists
	)
	if err != nil {
		core.Log.Fatalf("Core", "Device key: %v", err)
	}

	eng, err := engine.New(cfg, engine.Deps{
		Firewall:     firewall.NewApplier(caps.Firewall),
		Routes:       routing.NewManager(caps.Routes),
		DNS:          dnsconfig.NewManager(caps.DNS),
		Rotation:     rotation,
		PSK:          nil, // classical-only without a PQ relay endpoint
		Factory:      driverFactory(&cfg),
		Bus:          bus,
		Monitor:      monitor.FromConfig(cfg.Monitor),
		ConfigSource: cfgManager.Get,
	})
	if err != nil {
		core.Log.Fatalf("Core", "Engine: %v", err)
	}
	rotation.SetOnRevoked(eng.Blocked)

	bus.Subscribe(core.EventStateChanged, func(ev core.Event) {
		p := ev.Payload.(core.StateChangedPayload)
		core.Log.Infof("Core", "Tunnel state: %s", p.NewState)
	})

	go eng.Run()
	rotation.Start()

	if *connectNow {
		if err := eng.Connect(); err != nil {
			core.Log.Errorf("Core", "Connect: %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	core.Log.Infof("Core", "Running. Send SIGINT or SIGTERM to stop.")
	<-sig

	core.Log.Infof("Core", "Shutting down...")
	rotation.Stop()
	eng.Shutdown()
	core.Log.Infof("Core", "Shutdown complete.")
}

// driverFactory selects the backend for each target: the legacy process
// driver when configured, otherwise the userspace WireGuard family.
func driverFactory(cfg *core.Config) driver.Factory {
	return func(target core.TunnelTarget) driver.Driver {
		if cfg.Protocol == "legacy" && cfg.Legacy != nil {
			return legacy.New(legacy.Config{
				BinaryPath:    cfg.Legacy.BinaryPath,
				Args:          cfg.Legacy.Args,
				ReadyMarker:   cfg.Legacy.ReadyMarker,
				InterfaceName: cfg.Legacy.InterfaceName,
				StartTimeout:  core.Duration(cfg.Legacy.StartTimeout, 0),
			})
		}
		switch {
		case target.Multihop():
			return multihop.New()
		case target.Transport != core.TransportDirect:
			return obfuscated.New(target.Transport)
		default:
			return wgnative.New()
		}
	}
}

// offlineAccount is the account backend for static relay directories: every
// key is accepted locally and nothing can be revoked.
type offlineAccount struct{}

func (offlineAccount) RegisterKey(context.Context, string) error { return nil }
func (offlineAccount) RevokeKey(context.Context, string) error   { return nil }
func (offlineAccount) CheckDevice(context.Context) error         { return nil }

// resolveRelativeToExe resolves a relative path against the directory
// containing the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
