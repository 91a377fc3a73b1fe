package keys

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"wg-tunnel-engine/internal/core"
)

type fakeAccount struct {
	registerErrs []error
	registerSeen []string
	revokeSeen   []string
	revokeErr    error
	checkErr     error
}

func (f *fakeAccount) RegisterKey(_ context.Context, pub string) error {
	f.registerSeen = append(f.registerSeen, pub)
	if len(f.registerErrs) == 0 {
		return nil
	}
	err := f.registerErrs[0]
	f.registerErrs = f.registerErrs[1:]
	return err
}

func (f *fakeAccount) RevokeKey(_ context.Context, pub string) error {
	f.revokeSeen = append(f.revokeSeen, pub)
	return f.revokeErr
}

func (f *fakeAccount) CheckDevice(_ context.Context) error { return f.checkErr }

func newTestRotation(t *testing.T, account AccountService) *RotationManager {
	t.Helper()
	core.Log = core.NewLogger(core.LogConfig{Level: "off"})
	store := NewStore(false, filepath.Join(t.TempDir(), "device.key"))
	rm, err := NewRotationManager(RotationConfig{
		Interval:        time.Hour,
		RegisterRetries: 3,
		RetryDelay:      time.Millisecond,
	}, account, store, core.NewEventBus(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return rm
}

func TestRotatePromotesAndRevokesOldKey(t *testing.T) {
	account := &fakeAccount{}
	rm := newTestRotation(t, account)

	rotated := make(chan core.Event, 1)
	rm.bus.Subscribe(core.EventKeyRotated, func(ev core.Event) {
		rotated <- ev
	})

	oldPub := rm.Current().PublicBase64()
	if err := rm.rotate(context.Background()); err != nil {
		t.Fatal(err)
	}

	newPub := rm.Current().PublicBase64()
	if newPub == oldPub {
		t.Error("key not rotated")
	}
	if len(account.registerSeen) != 1 || account.registerSeen[0] != newPub {
		t.Errorf("registered %v, want exactly the new key", account.registerSeen)
	}
	if len(account.revokeSeen) != 1 || account.revokeSeen[0] != oldPub {
		t.Errorf("revoked %v, want exactly the old key", account.revokeSeen)
	}

	select {
	case ev := <-rotated:
		payload, ok := ev.Payload.(core.KeyRotatedPayload)
		if !ok || payload.PublicKey != newPub {
			t.Errorf("rotation event payload %v, want new key", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Error("no rotation event published")
	}

	// The promoted key must survive a reload.
	reloaded, err := rm.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.PublicBase64() != newPub {
		t.Error("rotated key was not persisted")
	}
}

func TestRotateRetriesThenSucceeds(t *testing.T) {
	account := &fakeAccount{registerErrs: []error{
		errors.New("backend busy"),
		errors.New("backend busy"),
	}}
	rm := newTestRotation(t, account)

	if err := rm.rotate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(account.registerSeen) != 3 {
		t.Errorf("register called %d times, want 3", len(account.registerSeen))
	}
}

func TestRotateExhaustedRetriesKeepsOldKey(t *testing.T) {
	fail := errors.New("backend busy")
	account := &fakeAccount{registerErrs: []error{fail, fail, fail}}
	rm := newTestRotation(t, account)

	oldPub := rm.Current().PublicBase64()
	err := rm.rotate(context.Background())
	var hsErr *core.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Errorf("got %v, want a handshake error", err)
	}
	if rm.Current().PublicBase64() != oldPub {
		t.Error("old key must stay active after a failed rotation")
	}
	if len(account.revokeSeen) != 0 {
		t.Error("nothing may be revoked on a failed rotation")
	}
}

func TestRotateRevokedStopsImmediately(t *testing.T) {
	account := &fakeAccount{registerErrs: []error{core.ErrRevoked}}
	rm := newTestRotation(t, account)

	oldPub := rm.Current().PublicBase64()
	err := rm.rotate(context.Background())
	if !errors.Is(err, core.ErrRevoked) {
		t.Errorf("got %v, want ErrRevoked", err)
	}
	if len(account.registerSeen) != 1 {
		t.Errorf("register called %d times, want 1 (no retries on revocation)", len(account.registerSeen))
	}
	if rm.Current().PublicBase64() != oldPub {
		t.Error("key must not change on revocation")
	}
}

func TestRevokedDuringLoopFiresCallback(t *testing.T) {
	account := &fakeAccount{registerErrs: []error{core.ErrRevoked}}
	rm := newTestRotation(t, account)

	revoked := make(chan core.ErrorCause, 1)
	rm.SetOnRevoked(func(cause core.ErrorCause) {
		revoked <- cause
	})

	rm.Start()
	defer rm.Stop()
	rm.RotateNow()

	select {
	case cause := <-revoked:
		if cause.Kind != core.CauseRevoked {
			t.Errorf("cause %v, want CauseRevoked", cause.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("revocation callback never fired")
	}
}

func TestCheckDeviceReportsRevocation(t *testing.T) {
	account := &fakeAccount{checkErr: core.ErrRevoked}
	rm := newTestRotation(t, account)

	var got *core.ErrorCause
	rm.SetOnRevoked(func(cause core.ErrorCause) { got = &cause })

	if err := rm.CheckDevice(context.Background()); !errors.Is(err, core.ErrRevoked) {
		t.Errorf("got %v, want ErrRevoked", err)
	}
	if got == nil || got.Kind != core.CauseRevoked {
		t.Errorf("onRevoked got %v, want CauseRevoked", got)
	}
}
