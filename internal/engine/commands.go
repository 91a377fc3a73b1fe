package engine

import (
	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/driver"
)

// Commands and internal events share one mailbox so the state machine sees
// a single total order of inputs. Commands come from the caller; events are
// posted by worker goroutines.
type message interface{}

type cmdConnect struct{ reply chan error }

type cmdDisconnect struct{ reply chan struct{} }

type cmdReconnect struct{ reply chan error }

type cmdSetTargets struct {
	relays   []core.RelayConfig
	multihop bool
	reply    chan error
}

type cmdRotateKey struct{}

type cmdReauthenticate struct{ reply chan error }

type cmdGetState struct{ reply chan core.TunnelState }

type cmdShutdown struct{ reply chan struct{} }

// evAttemptResult reports a finished connection attempt. gen guards
// against results from attempts that were already abandoned.
type evAttemptResult struct {
	gen    int
	handle driver.Handle
	err    error
}

// evStopConfirmed reports that the driver fully shut down. The firewall is
// relaxed only after this arrives.
type evStopConfirmed struct{ gen int }

// evRetryTimer fires when the backoff delay before the next attempt ends.
type evRetryTimer struct{ gen int }

// evMonitor carries a liveness probe result from the tunnel monitor.
type evMonitor struct {
	gen int
	ev  core.MonitorEvent
}

// evBlocked forces the blocking error state, for example on device
// revocation detected by the rotation manager.
type evBlocked struct{ cause core.ErrorCause }

// evReauthResult reports a finished re-authentication check.
type evReauthResult struct {
	gen int
	err error
}

// evKeyRotated notes a promoted device key; an active connection must be
// rebuilt to use it.
type evKeyRotated struct{}

// evConfigReloaded notes that settings changed on disk.
type evConfigReloaded struct{}

// Connect asks the engine to establish the tunnel. Returns immediately
// after the command is accepted; progress is observable through GetState
// and the event bus.
func (e *Engine) Connect() error {
	reply := make(chan error, 1)
	e.post(cmdConnect{reply: reply})
	return <-reply
}

// Disconnect tears the tunnel down and returns once the engine reaches
// Disconnected.
func (e *Engine) Disconnect() {
	reply := make(chan struct{}, 1)
	e.post(cmdDisconnect{reply: reply})
	<-reply
}

// Reconnect rebuilds the current connection from scratch.
func (e *Engine) Reconnect() error {
	reply := make(chan error, 1)
	e.post(cmdReconnect{reply: reply})
	return <-reply
}

// SetTargets replaces the relay directory. An active connection is rebuilt
// against the new targets.
func (e *Engine) SetTargets(relays []core.RelayConfig, multihop bool) error {
	reply := make(chan error, 1)
	e.post(cmdSetTargets{relays: relays, multihop: multihop, reply: reply})
	return <-reply
}

// RotateKeyNow triggers an immediate device key rotation.
func (e *Engine) RotateKeyNow() {
	e.post(cmdRotateKey{})
}

// Reauthenticate re-checks the account after a revocation error. On
// success the engine leaves the blocking error state.
func (e *Engine) Reauthenticate() error {
	reply := make(chan error, 1)
	e.post(cmdReauthenticate{reply: reply})
	return <-reply
}

// GetState returns the current tunnel state.
func (e *Engine) GetState() core.TunnelState {
	reply := make(chan core.TunnelState, 1)
	e.post(cmdGetState{reply: reply})
	return <-reply
}

// Shutdown disconnects if needed and stops the engine loop. The engine
// cannot be restarted afterwards.
func (e *Engine) Shutdown() {
	reply := make(chan struct{}, 1)
	e.post(cmdShutdown{reply: reply})
	<-reply
}

func (e *Engine) post(msg message) {
	select {
	case e.mailbox <- msg:
	case <-e.quit:
	}
}
