package keys

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"wg-tunnel-engine/internal/core"
)

const (
	keyringService = "wg-tunnel-engine"
	keyringUser    = "device-key"
)

// Store persists the device private key, preferring the OS keyring and
// falling back to a mode-0600 file when the keyring is unavailable.
type Store struct {
	useKeyring bool
	filePath   string
}

// NewStore creates a key store. filePath is the fallback location.
func NewStore(useKeyring bool, filePath string) *Store {
	return &Store{useKeyring: useKeyring, filePath: filePath}
}

// Load returns the stored keypair, or (nil, nil) when none exists yet.
func (s *Store) Load() (*KeyPair, error) {
	if s.useKeyring {
		secret, err := keyring.Get(keyringService, keyringUser)
		switch {
		case err == nil:
			return FromPrivateBase64(secret)
		case errors.Is(err, keyring.ErrNotFound):
			return nil, nil
		default:
			core.Log.Warnf("Keys", "Keyring unavailable (%v), using file store", err)
		}
	}

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return FromPrivateBase64(string(data))
}

// Save persists the keypair.
func (s *Store) Save(kp *KeyPair) error {
	if s.useKeyring {
		if err := keyring.Set(keyringService, keyringUser, kp.PrivateBase64()); err == nil {
			return nil
		} else {
			core.Log.Warnf("Keys", "Keyring store failed (%v), using file store", err)
		}
	}
	if err := os.WriteFile(s.filePath, []byte(kp.PrivateBase64()), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
