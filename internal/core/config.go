package core

import (
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PQPolicy controls what happens when post-quantum negotiation fails.
type PQPolicy int

const (
	// PQOff never negotiates a post-quantum secret.
	PQOff PQPolicy = iota
	// PQOpportunistic negotiates and falls back to classical-only on failure.
	PQOpportunistic
	// PQRequired fails the connection attempt if negotiation fails.
	PQRequired
)

func (p PQPolicy) String() string {
	switch p {
	case PQOff:
		return "off"
	case PQOpportunistic:
		return "opportunistic"
	case PQRequired:
		return "required"
	default:
		return "unknown"
	}
}

// ParsePQPolicy parses a string into a PQPolicy.
func ParsePQPolicy(s string) (PQPolicy, error) {
	switch s {
	case "off", "none":
		return PQOff, nil
	case "opportunistic", "auto", "":
		return PQOpportunistic, nil
	case "required", "on":
		return PQRequired, nil
	default:
		return PQOpportunistic, fmt.Errorf("unknown pq policy: %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for PQPolicy.
func (p *PQPolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePQPolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for PQPolicy.
func (p PQPolicy) MarshalYAML() (any, error) {
	return p.String(), nil
}

// FirewallSettings are the user settings feeding policy computation.
type FirewallSettings struct {
	// Lockdown blocks all non-tunnel traffic even while disconnected.
	Lockdown bool `yaml:"lockdown,omitempty"`
	// AllowLAN adds exceptions for private LAN subnets.
	AllowLAN bool `yaml:"allow_lan,omitempty"`
	// CustomDNS is an allow-list of resolvers usable instead of the
	// in-tunnel gateway resolver.
	CustomDNS []netip.Addr `yaml:"custom_dns,omitempty"`
	// BlockedCategories enables category-based content blocking
	// (e.g. "ads", "trackers", "malware").
	BlockedCategories []string `yaml:"blocked_categories,omitempty"`
}

// MonitorConfig tunes the tunnel liveness monitor. The interval and failure
// threshold together define the "no inbound traffic" detection window.
type MonitorConfig struct {
	Interval    string `yaml:"interval,omitempty"`     // default 3s
	Timeout     string `yaml:"timeout,omitempty"`      // per-probe, default 2s
	MaxFailures int    `yaml:"max_failures,omitempty"` // default 5
	Mode        string `yaml:"mode,omitempty"`         // "ping" (default) or "dns"
}

// BackoffConfig tunes the connecting-state retry backoff.
type BackoffConfig struct {
	Initial string `yaml:"initial,omitempty"` // default 1s
	Ceiling string `yaml:"ceiling,omitempty"` // default 30s
	Jitter  string `yaml:"jitter,omitempty"`  // default 500ms
}

// KeysConfig tunes key rotation and post-quantum negotiation.
type KeysConfig struct {
	RotationInterval string   `yaml:"rotation_interval,omitempty"` // default 336h (14 days)
	RegisterRetries  int      `yaml:"register_retries,omitempty"`  // default 3
	PQ               PQPolicy `yaml:"pq,omitempty"`
	// Keyring selects OS keyring storage for the private key; falls back
	// to a file next to the config when unavailable.
	Keyring bool `yaml:"keyring,omitempty"`
}

// RelayConfig declares one candidate relay in the static directory.
type RelayConfig struct {
	Relay     `yaml:",inline"`
	ObfsPorts []uint16 `yaml:"obfs_ports,omitempty"`
}

// LegacyTunnelConfig configures the external-process protocol driver used
// when Protocol selects "legacy".
type LegacyTunnelConfig struct {
	BinaryPath    string   `yaml:"binary_path"`
	Args          []string `yaml:"args,omitempty"`
	ReadyMarker   string   `yaml:"ready_marker,omitempty"`
	InterfaceName string   `yaml:"interface_name,omitempty"`
	StartTimeout  string   `yaml:"start_timeout,omitempty"`
}

// Config is the top-level engine configuration.
type Config struct {
	Relays   []RelayConfig    `yaml:"relays"`
	Firewall FirewallSettings `yaml:"firewall,omitempty"`
	Monitor  MonitorConfig    `yaml:"monitor,omitempty"`
	Backoff  BackoffConfig    `yaml:"backoff,omitempty"`
	Keys     KeysConfig       `yaml:"keys,omitempty"`
	Logging  LogConfig        `yaml:"logging,omitempty"`
	// StateFile is where the engine persists its shutdown snapshot.
	StateFile string `yaml:"state_file,omitempty"`
	// Multihop selects entry/exit chaining when two or more relays exist.
	Multihop bool `yaml:"multihop,omitempty"`
	MTU      int  `yaml:"mtu,omitempty"`
	// Protocol selects the backend family: "wireguard" (default, in-process
	// userspace device) or "legacy" (external tunnel process).
	Protocol string              `yaml:"protocol,omitempty"`
	Legacy   *LegacyTunnelConfig `yaml:"legacy,omitempty"`
}

// Duration parses a config duration string, returning def when empty or
// invalid. Tuning values are product choices, not structural ones, so a bad
// string degrades to the default instead of failing startup.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ConfigManager handles loading, saving, and hot-reloading configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

func defaultConfig() Config {
	return Config{
		Keys: KeysConfig{PQ: PQOpportunistic},
	}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// SetFirewallSettings replaces the firewall settings and publishes
// EventConfigReloaded so the engine recomputes the active policy.
func (cm *ConfigManager) SetFirewallSettings(s FirewallSettings) {
	cm.mu.Lock()
	cm.config.Firewall = s
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
