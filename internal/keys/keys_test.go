package keys

import (
	"path/filepath"
	"testing"

	"wg-tunnel-engine/internal/core"
)

func TestKeyPairRoundTrip(t *testing.T) {
	kp, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	back, err := FromPrivateBase64(kp.PrivateBase64())
	if err != nil {
		t.Fatal(err)
	}
	if back.PublicBase64() != kp.PublicBase64() {
		t.Error("public key changed across a private-key round trip")
	}
}

func TestFromPrivateBase64Rejects(t *testing.T) {
	if _, err := FromPrivateBase64("not-base64!!"); err == nil {
		t.Error("garbage accepted")
	}
	if _, err := FromPrivateBase64("c2hvcnQ="); err == nil {
		t.Error("short key accepted")
	}
}

func TestWipeZeroesPrivateKey(t *testing.T) {
	kp, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	kp.Wipe()
	if kp.PrivateBytes() != ([32]byte{}) {
		t.Error("private key survives Wipe")
	}
}

func TestBase64ToHex(t *testing.T) {
	kp, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	h, err := Base64ToHex(kp.PublicBase64())
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 64 {
		t.Errorf("hex key length = %d, want 64", len(h))
	}
	if _, err := Base64ToHex("c2hvcnQ="); err == nil {
		t.Error("short key accepted")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	core.Log = core.NewLogger(core.LogConfig{Level: "off"})
	store := NewStore(false, filepath.Join(t.TempDir(), "device.key"))

	kp, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if kp != nil {
		t.Fatal("empty store returned a key")
	}

	fresh, err := NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(fresh); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.PublicBase64() != fresh.PublicBase64() {
		t.Error("stored key did not round trip")
	}
}
