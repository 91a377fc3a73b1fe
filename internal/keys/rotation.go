package keys

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"wg-tunnel-engine/internal/core"
)

// AccountService is the account/device collaborator: key registration and
// revocation checks. Implementations return core.ErrRevoked when the device
// or account is no longer valid.
type AccountService interface {
	// RegisterKey installs a new public key at the relay backend while the
	// previous one stays valid.
	RegisterKey(ctx context.Context, publicKey string) error
	// RevokeKey removes a public key after its replacement is confirmed.
	RevokeKey(ctx context.Context, publicKey string) error
	// CheckDevice verifies the device is still authorized.
	CheckDevice(ctx context.Context) error
}

// RotationConfig tunes the rotation manager.
type RotationConfig struct {
	// Interval between rotations; independent of connection state.
	Interval time.Duration
	// RegisterRetries bounds registration attempts per rotation.
	RegisterRetries int
	// RetryDelay is the base delay between registration retries; doubles
	// per retry.
	RetryDelay time.Duration
}

// RotationManager owns the device keypair and rotates it on a fixed
// schedule. It runs as a background task and communicates with the state
// machine only through the event bus and the onRevoked callback; it never
// touches engine state.
type RotationManager struct {
	cfg     RotationConfig
	account AccountService
	store   *Store
	bus     *core.EventBus

	// onRevoked tells the state machine the device was detected revoked.
	onRevoked func(cause core.ErrorCause)

	mu      sync.Mutex
	current *KeyPair
	lastRot time.Time

	rotateNow chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRotationManager loads or generates the device key and prepares the
// rotation schedule. Does not start the background task; call Start.
func NewRotationManager(cfg RotationConfig, account AccountService, store *Store, bus *core.EventBus, onRevoked func(core.ErrorCause)) (*RotationManager, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 14 * 24 * time.Hour
	}
	if cfg.RegisterRetries <= 0 {
		cfg.RegisterRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	kp, err := store.Load()
	if err != nil {
		return nil, err
	}
	if kp == nil {
		kp, err = NewKeyPair()
		if err != nil {
			return nil, err
		}
		if err := store.Save(kp); err != nil {
			return nil, err
		}
		core.Log.Infof("Keys", "Generated device key %s", kp.PublicBase64())
	}

	return &RotationManager{
		cfg:       cfg,
		account:   account,
		store:     store,
		bus:       bus,
		onRevoked: onRevoked,
		current:   kp,
		lastRot:   time.Now(),
		rotateNow: make(chan struct{}, 1),
	}, nil
}

// SetOnRevoked installs the revocation callback. Must be called before
// Start; wiring order at startup puts the engine after the key manager.
func (rm *RotationManager) SetOnRevoked(fn func(core.ErrorCause)) {
	rm.onRevoked = fn
}

// Current returns the active device keypair.
func (rm *RotationManager) Current() *KeyPair {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.current
}

// RotateNow triggers an immediate rotation on the background task.
func (rm *RotationManager) RotateNow() {
	select {
	case rm.rotateNow <- struct{}{}:
	default:
	}
}

// Start launches the rotation loop.
func (rm *RotationManager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	rm.cancel = cancel
	rm.done = make(chan struct{})
	go rm.loop(ctx)
	core.Log.Infof("Keys", "Rotation manager started (interval=%s)", rm.cfg.Interval)
}

// Stop cancels the rotation loop and waits for it to exit.
func (rm *RotationManager) Stop() {
	if rm.cancel != nil {
		rm.cancel()
		<-rm.done
	}
}

func (rm *RotationManager) loop(ctx context.Context) {
	defer close(rm.done)

	timer := time.NewTimer(rm.nextDue())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-rm.rotateNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := rm.rotate(ctx); err != nil {
			if errors.Is(err, core.ErrRevoked) {
				core.Log.Errorf("Keys", "Device revoked during rotation")
				if rm.onRevoked != nil {
					rm.onRevoked(core.ErrorCause{Kind: core.CauseRevoked, Detail: err.Error()})
				}
				return
			}
			core.Log.Warnf("Keys", "Rotation failed, rescheduling: %v", err)
		}
		timer.Reset(rm.nextDue())
	}
}

func (rm *RotationManager) nextDue() time.Duration {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	due := time.Until(rm.lastRot.Add(rm.cfg.Interval))
	if due < time.Minute {
		due = time.Minute
	}
	return due
}

// rotate generates a pending keypair and registers it with the backend
// while the old key stays installed. Only after the backend acknowledges is
// the pending key promoted and the old one revoked; exhausted retries
// discard the pending key and leave the old key fully active.
func (rm *RotationManager) rotate(ctx context.Context) error {
	pending, err := NewKeyPair()
	if err != nil {
		return err
	}

	txn := uuid.NewString()
	core.Log.Infof("Keys", "Rotation %s: registering %s", txn, pending.PublicBase64())

	delay := rm.cfg.RetryDelay
	var regErr error
	for attempt := 1; attempt <= rm.cfg.RegisterRetries; attempt++ {
		regErr = rm.account.RegisterKey(ctx, pending.PublicBase64())
		if regErr == nil {
			break
		}
		if errors.Is(regErr, core.ErrRevoked) || ctx.Err() != nil {
			pending.Wipe()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return regErr
		}
		core.Log.Warnf("Keys", "Rotation %s: register attempt %d/%d failed: %v", txn, attempt, rm.cfg.RegisterRetries, regErr)
		select {
		case <-ctx.Done():
			pending.Wipe()
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if regErr != nil {
		pending.Wipe()
		return &core.HandshakeError{Op: "register", Err: regErr}
	}

	rm.mu.Lock()
	old := rm.current
	rm.current = pending
	rm.lastRot = time.Now()
	rm.mu.Unlock()

	if err := rm.store.Save(pending); err != nil {
		core.Log.Errorf("Keys", "Rotation %s: persist new key: %v", txn, err)
	}

	// Old key revocation is best-effort; both keys are valid at the relay
	// during the transition window, so a failed revoke is not fatal.
	if err := rm.account.RevokeKey(ctx, old.PublicBase64()); err != nil {
		core.Log.Warnf("Keys", "Rotation %s: revoke old key: %v", txn, err)
	}
	old.Wipe()

	core.Log.Infof("Keys", "Rotation %s: promoted %s", txn, pending.PublicBase64())
	if rm.bus != nil {
		rm.bus.Publish(core.Event{
			Type:    core.EventKeyRotated,
			Payload: core.KeyRotatedPayload{PublicKey: pending.PublicBase64()},
		})
	}
	return nil
}

// CheckDevice asks the account service whether the device is still valid
// and reports revocation through onRevoked. Called by the engine on a
// periodic schedule and on demand.
func (rm *RotationManager) CheckDevice(ctx context.Context) error {
	err := rm.account.CheckDevice(ctx)
	if errors.Is(err, core.ErrRevoked) && rm.onRevoked != nil {
		rm.onRevoked(core.ErrorCause{Kind: core.CauseRevoked, Detail: err.Error()})
	}
	return err
}
