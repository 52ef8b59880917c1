package identity

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

// ── derivation ─────────────────────────────────────────────────────────────

func TestFromSecret_Deterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	a, err := FromSecret(secret)
	if err != nil {
		t.Fatalf("FromSecret: %v", err)
	}
	b, err := FromSecret(secret)
	if err != nil {
		t.Fatalf("FromSecret: %v", err)
	}
	if a.PeerID() != b.PeerID() {
		t.Error("peer id is not a deterministic function of the secret")
	}
	if a.EVMAddress() != b.EVMAddress() {
		t.Error("evm address is not a deterministic function of the secret")
	}
}

func TestFromSecret_JointDerivation(t *testing.T) {
	secret := bytes.Repeat([]byte{0x07}, 32)
	id, err := FromSecret(secret)
	if err != nil {
		t.Fatalf("FromSecret: %v", err)
	}

	// the EVM address must match go-ethereum's own derivation of the key
	key, err := crypto.ToECDSA(secret)
	if err != nil {
		t.Fatal(err)
	}
	if id.EVMAddress() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Error("evm address does not match the key's address")
	}
}

func TestFromSecret_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"short":      make([]byte, 16),
		"long":       make([]byte, 33),
		"zero":       make([]byte, 32),
		"over-order": bytes.Repeat([]byte{0xff}, 32), // >= curve order
	}
	for name, secret := range cases {
		if _, err := FromSecret(secret); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("%s: expected ErrInvalidKey, got %v", name, err)
		}
	}
}

func TestGenerate_Distinct(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if a.PeerID() == b.PeerID() {
		t.Fatal("two generated identities share a peer id")
	}
}

// ── signing ────────────────────────────────────────────────────────────────

func TestSignDigest_RecoverableWith27(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	digest := crypto.Keccak256Hash([]byte("payload"))

	sig, err := id.SignDigest(digest)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65 bytes, got %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v byte %d, want 27 or 28", sig[64])
	}

	norm := make([]byte, 65)
	copy(norm, sig)
	norm[64] -= 27
	pub, err := crypto.SigToPub(digest[:], norm)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != id.EVMAddress() {
		t.Error("signature does not recover the identity's address")
	}
}

// ── persistence ────────────────────────────────────────────────────────────

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	orig, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := orig.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("identity file mode %o, want 600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.PeerID() != orig.PeerID() || loaded.EVMAddress() != orig.EVMAddress() {
		t.Error("loaded identity differs from saved one")
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (load): %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Error("second LoadOrCreate did not return the persisted identity")
	}
}

func TestLoad_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("loading a corrupted identity file must fail")
	}
}
