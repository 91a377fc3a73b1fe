package core

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StateKind enumerates the variants of TunnelState.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DisconnectReason says why the engine is unwinding a connection.
type DisconnectReason int

const (
	ReasonUserDisconnect DisconnectReason = iota
	ReasonReconnect
	ReasonFatalError
	ReasonBlock
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonUserDisconnect:
		return "user"
	case ReasonReconnect:
		return "reconnect"
	case ReasonFatalError:
		return "fatal-error"
	case ReasonBlock:
		return "block"
	default:
		return "unknown"
	}
}

// TunnelState is the single source of truth for the engine's externally
// observable state and for firewall policy selection. Exactly one value is
// current at a time; only the state machine writes it.
type TunnelState struct {
	Kind StateKind

	// Attempt and Target are set while Connecting.
	Attempt int
	Target  TunnelTarget

	// Since is set while Connected. Interface carries the driver's kernel
	// interface name when it exposes one; empty for userspace drivers.
	Since     time.Time
	Interface string

	// Reason is set while Disconnecting.
	Reason DisconnectReason

	// Cause and Blocking are set in the error state. Blocking means the
	// firewall is forced to block-all and only re-authentication exits.
	Cause    ErrorCause
	Blocking bool
}

func (s TunnelState) String() string {
	switch s.Kind {
	case StateConnecting:
		return fmt.Sprintf("connecting(attempt=%d, target=%s)", s.Attempt, s.Target)
	case StateConnected:
		return fmt.Sprintf("connected(target=%s, since=%s)", s.Target, s.Since.Format(time.RFC3339))
	case StateDisconnecting:
		return fmt.Sprintf("disconnecting(%s)", s.Reason)
	case StateError:
		return fmt.Sprintf("error(%s, blocking=%v)", s.Cause, s.Blocking)
	default:
		return s.Kind.String()
	}
}

// Disconnected returns the initial engine state.
func Disconnected() TunnelState {
	return TunnelState{Kind: StateDisconnected}
}

// TransportMode selects how tunnel traffic reaches the entry relay.
type TransportMode int

const (
	// TransportDirect sends WireGuard UDP straight to the relay.
	TransportDirect TransportMode = iota
	// TransportStreamCipher relays traffic through a stream-cipher UDP proxy.
	TransportStreamCipher
	// TransportTCPWrap tunnels the UDP datagrams over a TCP connection.
	TransportTCPWrap
)

func (m TransportMode) String() string {
	switch m {
	case TransportDirect:
		return "direct"
	case TransportStreamCipher:
		return "stream-cipher"
	case TransportTCPWrap:
		return "tcp-wrap"
	default:
		return "unknown"
	}
}

// Relay identifies a remote tunnel endpoint.
type Relay struct {
	Hostname  string         `yaml:"hostname"`
	Endpoint  netip.AddrPort `yaml:"endpoint"`
	PublicKey string         `yaml:"public_key"` // base64 x25519
	// IPv4Gateway is the relay-side in-tunnel gateway, used for liveness
	// probes and as the default DNS resolver when connected.
	IPv4Gateway netip.Addr `yaml:"ipv4_gateway"`
	// TunnelAddr is the client address inside the tunnel for this relay.
	TunnelAddr netip.Addr `yaml:"tunnel_addr"`
}

// Valid reports whether the relay has the minimum fields to connect.
func (r Relay) Valid() bool {
	return r.Endpoint.IsValid() && r.PublicKey != "" && r.TunnelAddr.IsValid()
}

// TunnelTarget is the chosen relay(s) and transport for one connection.
type TunnelTarget struct {
	Entry Relay `yaml:"entry"`
	// Exit is set for multihop: traffic chains through Entry to Exit.
	Exit *Relay `yaml:"exit,omitempty"`

	Transport TransportMode `yaml:"transport"`
	// ObfsEndpoint is the obfuscator endpoint on the relay when Transport
	// is not direct; the wire connection goes there instead of Entry.Endpoint.
	ObfsEndpoint netip.AddrPort `yaml:"obfs_endpoint,omitempty"`
	// ObfsPorts are the relay's allowed obfuscation ports.
	ObfsPorts []uint16 `yaml:"obfs_ports,omitempty"`

	ListenPort uint16 `yaml:"listen_port,omitempty"`
	MTU        int    `yaml:"mtu,omitempty"`

	// PresharedKey is the per-connection post-quantum secret. Ephemeral,
	// memory only; intentionally excluded from serialization.
	PresharedKey *[32]byte `yaml:"-"`
}

// WireEndpoint returns the endpoint the wire connection actually targets:
// the obfuscator endpoint when obfuscating, otherwise the entry relay.
// The firewall must allow this endpoint, not the nominal relay address.
func (t TunnelTarget) WireEndpoint() netip.AddrPort {
	if t.Transport != TransportDirect && t.ObfsEndpoint.IsValid() {
		return t.ObfsEndpoint
	}
	return t.Entry.Endpoint
}

// Multihop reports whether the target chains an entry and exit relay.
func (t TunnelTarget) Multihop() bool { return t.Exit != nil }

func (t TunnelTarget) String() string {
	name := t.Entry.Hostname
	if name == "" {
		name = t.Entry.Endpoint.String()
	}
	if t.Exit != nil {
		exit := t.Exit.Hostname
		if exit == "" {
			exit = t.Exit.Endpoint.String()
		}
		name += "→" + exit
	}
	return name + "/" + t.Transport.String()
}

// Validate checks the target before an attempt is started.
func (t TunnelTarget) Validate() error {
	if !t.Entry.Valid() {
		return &ConfigError{Reason: "entry relay missing endpoint, key or tunnel address"}
	}
	if t.Exit != nil && !t.Exit.Valid() {
		return &ConfigError{Reason: "exit relay missing endpoint, key or tunnel address"}
	}
	if t.Transport != TransportDirect && !t.ObfsEndpoint.IsValid() && len(t.ObfsPorts) == 0 {
		return &ConfigError{Reason: "obfuscated transport selected but relay offers no obfuscation ports"}
	}
	return nil
}

// RetryState tracks the progress of one connection attempt sequence.
// Reset to zero only by a fresh user Connect or by reaching Connected.
type RetryState struct {
	Attempt     int           `yaml:"attempt"`
	LastCause   string        `yaml:"last_cause,omitempty"`
	NextBackoff time.Duration `yaml:"next_backoff,omitempty"`
}

// MonitorEvent is a liveness signal produced by the tunnel monitor and
// consumed only by the state machine.
type MonitorEvent int

const (
	MonitorPingReply MonitorEvent = iota
	MonitorTimeout
)

func (e MonitorEvent) String() string {
	switch e {
	case MonitorPingReply:
		return "ping-reply"
	case MonitorTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// stateSnapshot is what gets persisted across restarts. Only diagnostic:
// restore never resumes a stale attempt.
type stateSnapshot struct {
	Kind    string     `yaml:"state"`
	Retry   RetryState `yaml:"retry"`
	SavedAt time.Time  `yaml:"saved_at"`
}

// SaveSnapshot writes the current state kind and retry counters to path.
func SaveSnapshot(path string, state TunnelState, retry RetryState) error {
	snap := stateSnapshot{
		Kind:    state.Kind.String(),
		Retry:   retry,
		SavedAt: time.Now(),
	}
	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write state snapshot %s: %w", path, err)
	}
	return nil
}

// RestoreSnapshot reads a persisted snapshot for logging purposes and
// returns the state the engine must actually start in: Disconnected with a
// zeroed RetryState. A process restart never resumes a stale attempt.
func RestoreSnapshot(path string) (TunnelState, RetryState) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			Log.Warnf("State", "Read snapshot %s: %v", path, err)
		}
		return Disconnected(), RetryState{}
	}

	var snap stateSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		Log.Warnf("State", "Parse snapshot %s: %v", path, err)
		return Disconnected(), RetryState{}
	}

	if snap.Kind != StateDisconnected.String() {
		Log.Infof("State", "Previous run ended in %q at %s; starting disconnected", snap.Kind, snap.SavedAt.Format(time.RFC3339))
	}
	return Disconnected(), RetryState{}
}
