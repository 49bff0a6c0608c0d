package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const envelopeVersion = 1

// ErrMalformed is returned when a stored value is not a valid envelope.
var ErrMalformed = errors.New("malformed ciphertext envelope")

// GenerateRootKey generates a 32-byte cryptographically secure random root key.
func GenerateRootKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	return key, nil
}

// DeriveKEK derives a Key Encryption Key from the root key using HKDF-SHA256.
func DeriveKEK(rootKey []byte, context string) ([]byte, error) {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, rootKey, nil, []byte(context))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

// GenerateDEK generates a 32-byte random Data Encryption Key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generating DEK: %w", err)
	}
	return dek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// seal encrypts plaintext with AES-256-GCM and returns nonce||ciphertext.
func seal(plaintext, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// open reverses seal.
func open(sealed, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Cipher encrypts and decrypts secret values for one project.
type Cipher interface {
	Encrypt(projectID string, plaintext []byte) ([]byte, error)
	Decrypt(projectID string, ciphertext []byte) ([]byte, error)
}

// Keyring is an envelope Cipher. Every value gets a fresh DEK, wrapped by a
// per-project KEK derived from the root key.
//
// Envelope layout: version(1) | len(wrappedDEK)(2, big endian) | wrappedDEK | nonce||ciphertext.
type Keyring struct {
	root []byte
	keks sync.Map // projectID -> []byte
}

// NewKeyring creates a Keyring over a 32-byte root key.
func NewKeyring(rootKey []byte) (*Keyring, error) {
	if len(rootKey) != 32 {
		return nil, fmt.Errorf("root key must be 32 bytes, got %d", len(rootKey))
	}
	return &Keyring{root: rootKey}, nil
}

func (k *Keyring) kek(projectID string) ([]byte, error) {
	if v, ok := k.keks.Load(projectID); ok {
		return v.([]byte), nil
	}
	kek, err := DeriveKEK(k.root, "secretflow/project/"+projectID)
	if err != nil {
		return nil, err
	}
	k.keks.Store(projectID, kek)
	return kek, nil
}

// Encrypt implements Cipher. The project ID is bound as associated data.
func (k *Keyring) Encrypt(projectID string, plaintext []byte) ([]byte, error) {
	kek, err := k.kek(projectID)
	if err != nil {
		return nil, err
	}
	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}
	aad := []byte(projectID)
	wrapped, err := seal(dek, kek, aad)
	if err != nil {
		return nil, fmt.Errorf("wrapping DEK: %w", err)
	}
	body, err := seal(plaintext, dek, aad)
	if err != nil {
		return nil, fmt.Errorf("encrypting value: %w", err)
	}
	out := make([]byte, 0, 3+len(wrapped)+len(body))
	out = append(out, envelopeVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, body...), nil
}

// Decrypt implements Cipher.
func (k *Keyring) Decrypt(projectID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 3 || ciphertext[0] != envelopeVersion {
		return nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(ciphertext[1:3]))
	if len(ciphertext) < 3+n {
		return nil, ErrMalformed
	}
	kek, err := k.kek(projectID)
	if err != nil {
		return nil, err
	}
	aad := []byte(projectID)
	dek, err := open(ciphertext[3:3+n], kek, aad)
	if err != nil {
		return nil, fmt.Errorf("unwrapping DEK: %w", err)
	}
	return open(ciphertext[3+n:], dek, aad)
}
