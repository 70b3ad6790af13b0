// Package cryptox implements the authenticated-encryption capability the
// sync engine depends on: AES-256-GCM seal/open bound to an associated-data
// string, plus key derivation for the master key and the shared sync key.
//
// Every encrypted object in Keepsake carries its nonce prepended to the
// ciphertext, so a single []byte round-trips through storage and transport.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	nonceSize = 12
)

// DeriveMasterKey derives the 32-byte local master key from a passphrase and
// a per-store salt using argon2id.
func DeriveMasterKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// DeriveSyncKey derives the shared sync key from the master key via
// HKDF-SHA256. All devices of one vault derive the same sync key, so
// ciphertext pushed by one device opens on every other.
func DeriveSyncKey(masterKey []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, nil, []byte("keepsake/sync-key/v1"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive sync key: %w", err)
	}
	return key, nil
}

// Box is an AEAD sealed around one symmetric key. The zero value is unusable;
// construct with NewBox.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds an AES-256-GCM box over key. The key must be KeySize bytes.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext bound to the associated-data string aad and returns
// nonce||ciphertext. The aad must be presented unchanged to Open; binding it
// to an op_id or a device:seq position prevents ciphertext reuse across
// positions.
func (b *Box) Seal(plaintext []byte, aad string) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := b.aead.Seal(nonce, nonce, plaintext, []byte(aad))
	return out, nil
}

// Open decrypts data produced by Seal. It fails on tamper, wrong key, or a
// mismatched aad.
func (b *Box) Open(sealed []byte, aad string) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed data too short: %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("open sealed data: %w", err)
	}
	return plaintext, nil
}
