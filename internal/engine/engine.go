// Package engine implements the tunnel connection state machine. A single
// goroutine owns all state and consumes one mailbox of commands and
// events; blocking work (driver start, teardown, account calls) runs on
// worker goroutines that post their results back into the mailbox. The
// firewall is tightened before any tunnel process starts and relaxed only
// after teardown is confirmed, so no transition leaves a window where
// traffic can escape outside the tunnel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"wg-tunnel-engine/internal/core"
	"wg-tunnel-engine/internal/dnsconfig"
	"wg-tunnel-engine/internal/driver"
	"wg-tunnel-engine/internal/firewall"
	"wg-tunnel-engine/internal/keys"
	"wg-tunnel-engine/internal/monitor"
	"wg-tunnel-engine/internal/routing"
)

// pendingAction is what to do once an in-flight teardown confirms.
type pendingAction int

const (
	pendingNone pendingAction = iota
	pendingConnect
	pendingRetry
	pendingBlock
)

// Deps are the collaborators the engine drives. All of them are owned by
// the engine after New.
type Deps struct {
	Firewall *firewall.Applier
	Routes   *routing.Manager
	DNS      *dnsconfig.Manager
	Rotation *keys.RotationManager
	PSK      keys.PSKExchanger
	Factory  driver.Factory
	Bus      *core.EventBus
	Monitor  monitor.Config
	// ProberFor builds the liveness prober for a connected tunnel.
	// Defaults to monitor.ProberFor.
	ProberFor func(mode string, h driver.Handle, target core.TunnelTarget) monitor.Prober
	// ConfigSource supplies the fresh settings snapshot on config reload
	// events. Optional.
	ConfigSource func() core.Config
}

// Engine is the tunnel connection state machine.
type Engine struct {
	cfg  core.Config
	deps Deps

	candidates *Candidates
	backoff    *Backoff

	state core.TunnelState
	retry core.RetryState

	// generation increments on every transition that abandons async work;
	// events carrying an older generation are discarded.
	generation    int
	handle        driver.Handle
	mon           *monitor.Monitor
	attemptCancel context.CancelFunc

	pending      pendingAction
	pendingCause core.ErrorCause

	// platformFails counts consecutive platform-level attempt failures.
	// Once every candidate has failed on an OS primitive the sequence is
	// surfaced as exhausted instead of looping forever.
	platformFails int

	// disconnectWaiters are released when the engine next settles in
	// Disconnected or Error.
	disconnectWaiters []chan struct{}

	// workers supervises all goroutines the engine spawns so Shutdown can
	// wait for them to drain.
	workers errgroup.Group

	mailbox chan message
	quit    chan struct{}
}

// New builds the engine. Run must be called before any command.
func New(cfg core.Config, deps Deps) (*Engine, error) {
	candidates, err := BuildCandidates(&cfg)
	if err != nil {
		return nil, err
	}
	if deps.ProberFor == nil {
		deps.ProberFor = monitor.ProberFor
	}

	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		candidates: candidates,
		backoff:    NewBackoff(cfg.Backoff),
		state:      core.Disconnected(),
		mailbox:    make(chan message, 64),
		quit:       make(chan struct{}),
	}

	if deps.Bus != nil {
		deps.Bus.Subscribe(core.EventKeyRotated, func(core.Event) {
			e.post(evKeyRotated{})
		})
		deps.Bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
			e.post(evConfigReloaded{})
		})
	}
	return e, nil
}

// Blocked is handed to the rotation manager so revocation detected in the
// background forces the blocking error state.
func (e *Engine) Blocked(cause core.ErrorCause) {
	e.post(evBlocked{cause: cause})
}

// Run consumes the mailbox until Shutdown. Call exactly once, usually in
// its own goroutine.
func (e *Engine) Run() {
	if e.cfg.StateFile != "" {
		e.state, e.retry = core.RestoreSnapshot(e.cfg.StateFile)
	}
	e.applyPolicy(e.state)

	for {
		select {
		case <-e.quit:
			return
		case msg := <-e.mailbox:
			if done := e.dispatch(msg); done {
				return
			}
		}
	}
}

func (e *Engine) dispatch(msg message) bool {
	switch m := msg.(type) {
	case cmdConnect:
		m.reply <- e.handleConnect()
	case cmdDisconnect:
		e.handleDisconnect(m.reply)
	case cmdReconnect:
		m.reply <- e.handleReconnect()
	case cmdSetTargets:
		m.reply <- e.handleSetTargets(m.relays, m.multihop)
	case cmdRotateKey:
		if e.deps.Rotation != nil {
			e.deps.Rotation.RotateNow()
		}
	case cmdReauthenticate:
		m.reply <- e.handleReauthenticate()
	case cmdGetState:
		m.reply <- e.state
	case cmdShutdown:
		e.handleShutdown()
		m.reply <- struct{}{}
		return true

	case evAttemptResult:
		if m.gen == e.generation {
			e.handleAttemptResult(m)
		} else if m.handle != nil {
			// Result from an abandoned attempt; the tunnel must not
			// outlive its attempt.
			go m.handle.Stop()
		}
	case evStopConfirmed:
		if m.gen == e.generation {
			e.finishDisconnect()
		}
	case evRetryTimer:
		if m.gen == e.generation && e.state.Kind == core.StateConnecting {
			e.startAttempt(e.retry.Attempt + 1)
		}
	case evMonitor:
		if m.gen == e.generation {
			e.handleMonitorEvent(m.ev)
		}
	case evBlocked:
		e.handleBlocked(m.cause)
	case evReauthResult:
		if m.gen == e.generation {
			e.handleReauthResult(m.err)
		}
	case evKeyRotated:
		if e.state.Kind == core.StateConnected {
			core.Log.Infof("Engine", "Device key rotated, rebuilding connection")
			e.beginTeardown(core.ReasonReconnect, pendingConnect)
		}
	case evConfigReloaded:
		e.handleConfigReloaded()
	}
	return false
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

func (e *Engine) handleConnect() error {
	switch e.state.Kind {
	case core.StateConnecting, core.StateConnected:
		return nil
	case core.StateDisconnecting:
		e.pending = pendingConnect
		return nil
	case core.StateError:
		if e.state.Blocking {
			if e.state.Cause.Kind == core.CauseRevoked {
				return core.ErrRevoked
			}
			return fmt.Errorf("connection blocked: %s", e.state.Cause)
		}
	}
	e.candidates.Reset()
	e.backoff.Reset()
	e.retry = core.RetryState{}
	e.platformFails = 0
	e.startAttempt(1)
	return nil
}

func (e *Engine) handleDisconnect(reply chan struct{}) {
	switch e.state.Kind {
	case core.StateDisconnected:
		reply <- struct{}{}
		return
	case core.StateError:
		if e.state.Blocking {
			// A revoked device stays behind block-all; only a successful
			// Reauthenticate exits this state.
			reply <- struct{}{}
			return
		}
		e.setState(core.Disconnected())
		e.applyPolicy(e.state)
		reply <- struct{}{}
		return
	case core.StateDisconnecting:
		// A queued block from a revocation check must survive the user's
		// Disconnect; only queued reconnects are cancelled.
		if e.pending != pendingBlock {
			e.pending = pendingNone
		}
	case core.StateConnecting:
		e.pending = pendingNone
		e.abortAttempt(core.ReasonUserDisconnect)
	case core.StateConnected:
		e.beginTeardown(core.ReasonUserDisconnect, pendingNone)
	}
	e.disconnectWaiters = append(e.disconnectWaiters, reply)
}

func (e *Engine) handleReconnect() error {
	switch e.state.Kind {
	case core.StateConnected:
		e.beginTeardown(core.ReasonReconnect, pendingConnect)
	case core.StateConnecting:
		e.abortAttempt(core.ReasonReconnect)
		e.pending = pendingConnect
	case core.StateDisconnected:
		return e.handleConnect()
	}
	return nil
}

func (e *Engine) handleSetTargets(relays []core.RelayConfig, multihop bool) error {
	next := e.cfg
	next.Relays = relays
	next.Multihop = multihop
	candidates, err := BuildCandidates(&next)
	if err != nil {
		return err
	}
	e.cfg.Relays = relays
	e.cfg.Multihop = multihop
	e.candidates = candidates
	e.retry = core.RetryState{}
	e.backoff.Reset()
	e.platformFails = 0

	core.Log.Infof("Engine", "Relay directory updated (%d candidates)", candidates.Len())
	switch e.state.Kind {
	case core.StateConnected:
		e.beginTeardown(core.ReasonReconnect, pendingConnect)
	case core.StateConnecting:
		e.abortAttempt(core.ReasonReconnect)
		e.pending = pendingConnect
	}
	return nil
}

func (e *Engine) handleReauthenticate() error {
	if e.state.Kind != core.StateError {
		return nil
	}
	if e.deps.Rotation == nil {
		return errors.New("no account service configured")
	}
	gen := e.generation
	e.workers.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.post(evReauthResult{gen: gen, err: e.deps.Rotation.CheckDevice(ctx)})
		return nil
	})
	return nil
}

func (e *Engine) handleReauthResult(err error) {
	if err != nil {
		core.Log.Warnf("Engine", "Re-authentication failed: %v", err)
		return
	}
	core.Log.Infof("Engine", "Re-authentication succeeded, leaving blocked state")
	e.setState(core.Disconnected())
	e.applyPolicy(e.state)
}

func (e *Engine) handleShutdown() {
	core.Log.Infof("Engine", "Shutting down")
	e.generation++
	if e.attemptCancel != nil {
		e.attemptCancel()
		e.attemptCancel = nil
	}
	if e.mon != nil {
		e.mon.Stop()
		e.mon = nil
	}
	if e.handle != nil {
		e.deps.DNS.Disconnect()
		e.deps.Routes.Disconnect()
		e.handle.Stop()
		e.handle = nil
	}
	e.setState(core.Disconnected())
	if e.cfg.Firewall.Lockdown {
		e.applyPolicy(e.state)
	} else {
		if err := e.deps.Firewall.Reset(); err != nil {
			core.Log.Errorf("Engine", "Firewall reset: %v", err)
		}
	}
	close(e.quit)
	// post() drops messages once quit is closed, so draining cannot block.
	e.workers.Wait()
}

// ---------------------------------------------------------------------------
// Connection attempts
// ---------------------------------------------------------------------------

// startAttempt tightens the firewall for the chosen target, then launches
// the blocking connect work on a worker. The firewall must admit only the
// wire endpoint before the driver sends its first packet.
func (e *Engine) startAttempt(attempt int) {
	target := e.candidates.Current()
	next := core.TunnelState{Kind: core.StateConnecting, Attempt: attempt, Target: target}

	if err := e.deps.Firewall.Apply(firewall.Compute(next, e.cfg.Firewall)); err != nil {
		// No driver has started, so the attempt can fail through the normal
		// retry path instead of giving up outright.
		e.setState(next)
		e.retry.Attempt = attempt
		e.handleAttemptFailure(err)
		return
	}
	e.setState(next)
	e.retry.Attempt = attempt

	e.generation++
	gen := e.generation
	ctx, cancel := context.WithCancel(context.Background())
	e.attemptCancel = cancel

	attemptID := uuid.NewString()[:8]
	core.Log.Infof("Engine", "Attempt %d (%s) against %s", attempt, attemptID, target)

	e.workers.Go(func() error {
		handle, err := e.connectWorker(ctx, target)
		e.post(evAttemptResult{gen: gen, handle: handle, err: err})
		return nil
	})
}

// connectWorker runs off the engine goroutine: PQ negotiation, then driver
// start.
func (e *Engine) connectWorker(ctx context.Context, target core.TunnelTarget) (driver.Handle, error) {
	material := keys.Material{Device: e.deps.Rotation.Current()}

	pskRelay := target.Entry
	if target.Multihop() {
		pskRelay = *target.Exit
	}
	psk, err := keys.NegotiatePSK(ctx, e.deps.PSK, pskRelay, e.cfg.Keys.PQ)
	if err != nil {
		return nil, err
	}
	material.PresharedKey = psk

	return e.deps.Factory(target).Start(ctx, target, material)
}

func (e *Engine) handleAttemptResult(m evAttemptResult) {
	e.attemptCancel = nil

	if e.state.Kind == core.StateDisconnecting {
		// The attempt was aborted; a late handle must still be torn down
		// before the firewall relaxes.
		if m.handle != nil {
			e.confirmStopAsync(m.handle)
		} else {
			e.finishDisconnect()
		}
		return
	}

	if m.err != nil {
		e.handleAttemptFailure(m.err)
		return
	}
	e.finalizeConnect(m.handle)
}

// finalizeConnect wires routes, firewall and DNS around the running tunnel
// in leak-safe order: routes and connected firewall policy first, DNS
// last, monitor only once everything stands. The state stays Connecting
// until the monitor's first probe reply proves the data path end to end.
func (e *Engine) finalizeConnect(h driver.Handle) {
	target := e.state.Target
	iface := h.InterfaceName()

	fail := func(err error) {
		core.Log.Errorf("Engine", "Connection finalize failed: %v", err)
		h.Stop()
		e.deps.DNS.Disconnect()
		e.deps.Routes.Disconnect()
		// The connected ruleset may already be installed with the tunnel
		// gone; tighten back to the connecting one before retrying.
		e.applyPolicy(e.state)
		e.handleAttemptFailure(err)
	}

	if err := e.deps.Routes.Connect(iface, target); err != nil {
		fail(err)
		return
	}

	connected := core.TunnelState{Kind: core.StateConnected, Target: target, Interface: iface, Since: time.Now()}
	if err := e.deps.Firewall.Apply(firewall.Compute(connected, e.cfg.Firewall)); err != nil {
		fail(err)
		return
	}
	if err := e.deps.DNS.Connect(iface, target, e.cfg.Firewall); err != nil {
		fail(err)
		return
	}

	e.handle = h
	e.generation++
	gen := e.generation
	e.mon = monitor.New(e.deps.Monitor, e.deps.ProberFor(e.cfg.Monitor.Mode, h, target), func(ev core.MonitorEvent) {
		e.post(evMonitor{gen: gen, ev: ev})
	})
	e.mon.Start()
	core.Log.Infof("Engine", "Tunnel up, awaiting first probe reply")
}

func (e *Engine) handleAttemptFailure(err error) {
	cause := core.ClassifyError(err)
	core.Log.Warnf("Engine", "Attempt %d failed: %v", e.state.Attempt, err)

	switch {
	case errors.Is(err, core.ErrRevoked):
		e.enterError(cause, true)
		return
	case cause.Kind == core.CauseConfig:
		e.enterError(cause, false)
		return
	case cause.Kind == core.CausePlatform:
		e.platformFails++
		if e.platformFails >= e.candidates.Len() {
			// Every fallback target failed on an OS primitive; another
			// lap over the same ring cannot help.
			core.Log.Errorf("Engine", "All %d candidates failed on platform operations", e.candidates.Len())
			e.enterError(core.ErrorCause{Kind: core.CauseExhausted, Detail: cause.Detail}, false)
			return
		}
	default:
		e.platformFails = 0
	}

	// Filtered-looking failures jump straight to obfuscated candidates;
	// everything else walks the list in order.
	if core.IsFilteredSignature(err) {
		e.candidates.AdvanceToObfuscated()
	} else {
		e.candidates.Advance()
	}

	e.retry.LastCause = cause.String()
	e.scheduleRetry()
}

// scheduleRetry arms the backoff timer for the next candidate. The state
// stays Connecting so the restrictive ruleset holds for the wait.
func (e *Engine) scheduleRetry() {
	delay := e.backoff.Next()
	e.retry.NextBackoff = delay
	e.saveSnapshot()

	core.Log.Infof("Engine", "Retrying with %s in %s", e.candidates.Current(), delay)
	gen := e.generation
	e.workers.Go(func() error {
		select {
		case <-time.After(delay):
			e.post(evRetryTimer{gen: gen})
		case <-e.quit:
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// abortAttempt cancels an in-flight attempt. The state moves to
// Disconnecting with block-all until the worker confirms nothing survived.
func (e *Engine) abortAttempt(reason core.DisconnectReason) {
	inFlight := e.attemptCancel != nil
	if inFlight {
		e.attemptCancel()
		e.attemptCancel = nil
	}
	next := core.TunnelState{Kind: core.StateDisconnecting, Reason: reason}
	if err := e.deps.Firewall.Apply(firewall.Compute(next, e.cfg.Firewall)); err != nil {
		core.Log.Errorf("Engine", "Firewall during abort: %v", err)
	}
	e.setState(next)

	if !inFlight {
		// The attempt was waiting out its backoff; nothing to stop.
		e.confirmStopAsync(nil)
	}
	// Otherwise handleAttemptResult delivers the abandoned worker's outcome.
}

// beginTeardown unwinds a connected tunnel: monitor first, then DNS and
// routes while the tunnel still passes traffic, then block-all, then the
// driver. The firewall relaxes only in finishDisconnect.
func (e *Engine) beginTeardown(reason core.DisconnectReason, then pendingAction) {
	e.pending = then

	if e.mon != nil {
		e.mon.Stop()
		e.mon = nil
	}
	if err := e.deps.DNS.Disconnect(); err != nil {
		core.Log.Errorf("Engine", "DNS restore: %v", err)
	}
	if err := e.deps.Routes.Disconnect(); err != nil {
		core.Log.Errorf("Engine", "Route teardown: %v", err)
	}

	next := core.TunnelState{Kind: core.StateDisconnecting, Reason: reason}
	if err := e.deps.Firewall.Apply(firewall.Compute(next, e.cfg.Firewall)); err != nil {
		core.Log.Errorf("Engine", "Firewall during teardown: %v", err)
	}
	e.setState(next)

	handle := e.handle
	e.handle = nil
	e.confirmStopAsync(handle)
}

// confirmStopAsync stops the driver on a worker and posts the
// confirmation the firewall relaxation waits for.
func (e *Engine) confirmStopAsync(h driver.Handle) {
	e.generation++
	gen := e.generation
	e.workers.Go(func() error {
		if h != nil {
			h.Stop()
		}
		e.post(evStopConfirmed{gen: gen})
		return nil
	})
}

// finishDisconnect runs after the driver confirmed shutdown and decides
// where to go next: a queued reconnect, a queued block, or Disconnected.
func (e *Engine) finishDisconnect() {
	then := e.pending
	e.pending = pendingNone

	switch then {
	case pendingConnect:
		e.retry = core.RetryState{}
		e.startAttempt(1)
	case pendingRetry:
		// The next candidate is tried only after the backoff elapses; wait
		// it out under the connecting ruleset, not the relaxed one.
		next := core.TunnelState{Kind: core.StateConnecting, Attempt: e.retry.Attempt, Target: e.candidates.Current()}
		if err := e.deps.Firewall.Apply(firewall.Compute(next, e.cfg.Firewall)); err != nil {
			core.Log.Errorf("Engine", "Firewall before retry: %v", err)
		}
		e.setState(next)
		e.scheduleRetry()
	case pendingBlock:
		e.enterError(e.pendingCause, true)
	default:
		e.setState(core.Disconnected())
		e.applyPolicy(e.state)
	}
}

func (e *Engine) handleMonitorEvent(ev core.MonitorEvent) {
	verifying := e.state.Kind == core.StateConnecting && e.handle != nil

	switch {
	case ev == core.MonitorPingReply && verifying:
		e.retry = core.RetryState{}
		e.backoff.Reset()
		e.candidates.Reset()
		e.platformFails = 0
		e.setState(core.TunnelState{Kind: core.StateConnected, Target: e.state.Target, Interface: e.handle.InterfaceName(), Since: time.Now()})
	case ev == core.MonitorTimeout && verifying:
		// Handshake completed but no probe ever returned; this target is
		// not actually passing traffic.
		core.Log.Warnf("Engine", "No probe reply on new tunnel, trying next candidate")
		e.candidates.Advance()
		e.retry.LastCause = core.MonitorTimeout.String()
		e.beginTeardown(core.ReasonReconnect, pendingRetry)
	case ev == core.MonitorTimeout && e.state.Kind == core.StateConnected:
		core.Log.Warnf("Engine", "Tunnel declared dead by monitor, reconnecting")
		e.beginTeardown(core.ReasonReconnect, pendingConnect)
	}
}

func (e *Engine) handleBlocked(cause core.ErrorCause) {
	switch e.state.Kind {
	case core.StateConnected:
		e.pendingCause = cause
		e.beginTeardown(core.ReasonBlock, pendingBlock)
	case core.StateConnecting:
		e.pendingCause = cause
		e.abortAttempt(core.ReasonBlock)
		e.pending = pendingBlock
	case core.StateDisconnecting:
		e.pendingCause = cause
		e.pending = pendingBlock
	default:
		e.enterError(cause, true)
	}
}

func (e *Engine) handleConfigReloaded() {
	if e.deps.ConfigSource == nil {
		return
	}
	next := e.deps.ConfigSource()
	candidates, err := BuildCandidates(&next)
	if err != nil {
		core.Log.Errorf("Engine", "Reloaded config rejected: %v", err)
		return
	}
	e.cfg = next
	e.candidates = candidates
	e.applyPolicy(e.state)
	core.Log.Infof("Engine", "Configuration reloaded (%d candidates)", candidates.Len())
}

// ---------------------------------------------------------------------------
// State bookkeeping
// ---------------------------------------------------------------------------

// enterError moves to the error state. A blocking error keeps block-all
// installed; a non-blocking one restores the disconnected policy.
func (e *Engine) enterError(cause core.ErrorCause, blocking bool) {
	next := core.TunnelState{Kind: core.StateError, Cause: cause, Blocking: blocking}
	e.applyPolicy(next)
	e.setState(next)
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(core.Event{Type: core.EventBlockedReason, Payload: core.BlockedReasonPayload{Cause: cause}})
	}
}

func (e *Engine) applyPolicy(state core.TunnelState) {
	if err := e.deps.Firewall.Apply(firewall.Compute(state, e.cfg.Firewall)); err != nil {
		core.Log.Errorf("Engine", "Firewall policy for %s: %v", state.Kind, err)
	}
}

func (e *Engine) setState(next core.TunnelState) {
	old := e.state
	e.state = next
	core.Log.Infof("Engine", "State %s -> %s", old.Kind, next)
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(core.Event{
			Type:    core.EventStateChanged,
			Payload: core.StateChangedPayload{OldState: old, NewState: next},
		})
	}
	if next.Kind == core.StateDisconnected || next.Kind == core.StateError {
		for _, w := range e.disconnectWaiters {
			w <- struct{}{}
		}
		e.disconnectWaiters = nil
	}
	e.saveSnapshot()
}

func (e *Engine) saveSnapshot() {
	if e.cfg.StateFile == "" {
		return
	}
	if err := core.SaveSnapshot(e.cfg.StateFile, e.state, e.retry); err != nil {
		core.Log.Warnf("Engine", "Persist state: %v", err)
	}
}
