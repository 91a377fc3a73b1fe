package keys

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"wg-tunnel-engine/internal/core"
)

// pqInfo binds the derived secret to this exchange's purpose.
const pqInfo = "wg-tunnel-engine pq preshared key v1"

// PSKExchanger performs the ephemeral key exchange with a relay. Implemented
// by the relay-directory collaborator; the engine only sees the contract.
type PSKExchanger interface {
	// ExchangeEphemeral sends our ephemeral public key to the relay and
	// returns the relay's ephemeral public key for the same session.
	ExchangeEphemeral(ctx context.Context, relay core.Relay, clientPublic [32]byte) ([32]byte, error)
}

// NegotiatePSK derives the per-connection post-quantum secret with the entry
// relay. The secret's validity is tied to the connection, never persisted,
// and layered on top of the device key. Per policy, a failed negotiation
// either falls back to classical-only (nil secret) or fails the attempt.
func NegotiatePSK(ctx context.Context, ex PSKExchanger, relay core.Relay, policy core.PQPolicy) (*[32]byte, error) {
	if policy == core.PQOff || ex == nil {
		return nil, nil
	}

	eph, err := NewKeyPair()
	if err != nil {
		return nil, &core.HandshakeError{Op: "pq-exchange", Err: err}
	}
	defer eph.Wipe()

	relayPub, err := ex.ExchangeEphemeral(ctx, relay, eph.PublicBytes())
	if err != nil {
		if policy == core.PQRequired {
			return nil, &core.HandshakeError{Op: "pq-exchange", Err: err}
		}
		core.Log.Warnf("Keys", "PQ negotiation with %s failed (%v), continuing classical-only", relay.Hostname, err)
		return nil, nil
	}

	priv := eph.PrivateBytes()
	shared, err := curve25519.X25519(priv[:], relayPub[:])
	if err != nil {
		return nil, &core.HandshakeError{Op: "pq-exchange", Err: err}
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte(pqInfo))
	var psk [32]byte
	if _, err := io.ReadFull(kdf, psk[:]); err != nil {
		return nil, &core.HandshakeError{Op: "pq-exchange", Err: fmt.Errorf("derive secret: %w", err)}
	}

	core.Log.Infof("Keys", "PQ secret negotiated with %s", relay.Hostname)
	return &psk, nil
}
