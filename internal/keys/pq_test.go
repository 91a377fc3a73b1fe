package keys

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"wg-tunnel-engine/internal/core"
)

// fakeExchanger plays the relay side of the ephemeral exchange so both
// halves of the derivation can be compared.
type fakeExchanger struct {
	relayKey     *KeyPair
	clientPublic [32]byte
	err          error
}

func (f *fakeExchanger) ExchangeEphemeral(_ context.Context, _ core.Relay, clientPublic [32]byte) ([32]byte, error) {
	if f.err != nil {
		return [32]byte{}, f.err
	}
	f.clientPublic = clientPublic
	return f.relayKey.PublicBytes(), nil
}

func TestNegotiatePSKOffReturnsNothing(t *testing.T) {
	psk, err := NegotiatePSK(context.Background(), &fakeExchanger{}, core.Relay{}, core.PQOff)
	if err != nil || psk != nil {
		t.Errorf("PQOff: psk=%v err=%v, want nil/nil", psk, err)
	}
	psk, err = NegotiatePSK(context.Background(), nil, core.Relay{}, core.PQRequired)
	if err != nil || psk != nil {
		t.Errorf("nil exchanger: psk=%v err=%v, want nil/nil", psk, err)
	}
}

func TestNegotiatePSKRequiredFailsAttempt(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("relay refused")}
	_, err := NegotiatePSK(context.Background(), ex, core.Relay{}, core.PQRequired)
	var hsErr *core.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Errorf("got %v, want a handshake error", err)
	}
}

func TestNegotiatePSKOpportunisticFallsBackClassical(t *testing.T) {
	core.Log = core.NewLogger(core.LogConfig{Level: "off"})
	ex := &fakeExchanger{err: errors.New("relay refused")}
	psk, err := NegotiatePSK(context.Background(), ex, core.Relay{}, core.PQOpportunistic)
	if err != nil {
		t.Fatalf("opportunistic failure must not fail the attempt: %v", err)
	}
	if psk != nil {
		t.Error("fallback must be classical-only with no secret")
	}
}

// Both sides of the ephemeral exchange must derive the same secret.
func TestNegotiatePSKMatchesRelayDerivation(t *testing.T) {
	core.Log = core.NewLogger(core.LogConfig{Level: "off"})
	relayKey, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	ex := &fakeExchanger{relayKey: relayKey}

	psk, err := NegotiatePSK(context.Background(), ex, core.Relay{Hostname: "se-got-001"}, core.PQOpportunistic)
	if err != nil {
		t.Fatal(err)
	}
	if psk == nil {
		t.Fatal("no secret derived")
	}

	relayPriv := relayKey.PrivateBytes()
	shared, err := curve25519.X25519(relayPriv[:], ex.clientPublic[:])
	if err != nil {
		t.Fatal(err)
	}
	kdf := hkdf.New(sha256.New, shared, nil, []byte(pqInfo))
	var relaySide [32]byte
	if _, err := io.ReadFull(kdf, relaySide[:]); err != nil {
		t.Fatal(err)
	}
	if *psk != relaySide {
		t.Error("client and relay derived different secrets")
	}
}
