package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an x25519 keypair identifying this device to relays.
type KeyPair struct {
	private [32]byte
	public  [32]byte
}

// NewKeyPair generates a fresh random keypair.
func NewKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.public[:], pub)
	return &kp, nil
}

// FromPrivateBase64 reconstructs a keypair from a stored private key.
func FromPrivateBase64(s string) (*KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid private key length %d", len(raw))
	}
	var kp KeyPair
	copy(kp.private[:], raw)
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.public[:], pub)
	return &kp, nil
}

// PrivateBytes returns the raw private key for handing to a driver.
func (kp *KeyPair) PrivateBytes() [32]byte { return kp.private }

// PublicBytes returns the raw public key.
func (kp *KeyPair) PublicBytes() [32]byte { return kp.public }

// PublicBase64 returns the base64 public key as relays and the account
// service identify it.
func (kp *KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(kp.public[:])
}

// PrivateBase64 returns the base64 private key for keystore persistence.
func (kp *KeyPair) PrivateBase64() string {
	return base64.StdEncoding.EncodeToString(kp.private[:])
}

// Wipe overwrites the private key material in place. Called when a pending
// key is discarded.
func (kp *KeyPair) Wipe() {
	for i := range kp.private {
		kp.private[i] = 0
	}
}

// Base64ToHex re-encodes a base64 key into the hex form the device UAPI
// expects. Length is validated so malformed relay keys fail early.
func Base64ToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("invalid key length %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// Material is what a backend driver needs to start a tunnel: the device
// keypair plus the optional per-connection preshared secret.
type Material struct {
	Device *KeyPair
	// PresharedKey is the post-quantum secret; nil for classical-only.
	PresharedKey *[32]byte
}
