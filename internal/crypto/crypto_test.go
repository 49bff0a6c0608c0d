package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateRootKey(t *testing.T) {
	key, err := GenerateRootKey()
	if err != nil {
		t.Fatalf("GenerateRootKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key))
	}
	key2, _ := GenerateRootKey()
	if bytes.Equal(key, key2) {
		t.Error("two root keys should not be equal")
	}
}

func TestDeriveKEK(t *testing.T) {
	root, _ := GenerateRootKey()
	kek, err := DeriveKEK(root, "secretflow/project/p1")
	if err != nil {
		t.Fatalf("DeriveKEK failed: %v", err)
	}
	if len(kek) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(kek))
	}
	kek2, _ := DeriveKEK(root, "secretflow/project/p1")
	if !bytes.Equal(kek, kek2) {
		t.Error("KEK derivation should be deterministic")
	}
	kek3, _ := DeriveKEK(root, "secretflow/project/p2")
	if bytes.Equal(kek, kek3) {
		t.Error("different projects should yield different KEKs")
	}
}

func TestSealOpenWrongKey(t *testing.T) {
	key1, _ := GenerateRootKey()
	key2, _ := GenerateRootKey()
	sealed, err := seal([]byte("secret"), key1, nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := open(sealed, key2, nil); err == nil {
		t.Error("expected open with wrong key to fail")
	}
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	root, _ := GenerateRootKey()
	k, err := NewKeyring(root)
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	return k
}

func TestKeyringRoundTrip(t *testing.T) {
	k := newTestKeyring(t)
	plaintext := []byte("postgres://user:pass@db/prod")

	ct, err := k.Encrypt("p1", plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Error("ciphertext should not contain plaintext")
	}
	got, err := k.Decrypt("p1", ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestKeyringFreshNoncePerValue(t *testing.T) {
	k := newTestKeyring(t)
	a, _ := k.Encrypt("p1", []byte("same"))
	b, _ := k.Encrypt("p1", []byte("same"))
	if bytes.Equal(a, b) {
		t.Error("encrypting the same value twice should give different ciphertexts")
	}
}

func TestKeyringProjectBinding(t *testing.T) {
	k := newTestKeyring(t)
	ct, _ := k.Encrypt("p1", []byte("value"))
	if _, err := k.Decrypt("p2", ct); err == nil {
		t.Error("ciphertext from one project must not decrypt under another")
	}
}

func TestKeyringMalformed(t *testing.T) {
	k := newTestKeyring(t)
	for _, ct := range [][]byte{nil, {1}, {2, 0, 0}, {1, 0, 200, 1, 2}} {
		if _, err := k.Decrypt("p1", ct); err == nil {
			t.Errorf("expected error for %v", ct)
		}
	}
	if _, err := NewKeyring([]byte("short")); err == nil {
		t.Error("expected short root key to be rejected")
	}
}

func TestKeyringEmptyValue(t *testing.T) {
	k := newTestKeyring(t)
	ct, err := k.Encrypt("p1", nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	got, err := k.Decrypt("p1", ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty plaintext, got %q", got)
	}
}
