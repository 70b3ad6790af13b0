package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/cryptox"
)

// BlobAAD binds a sealed blob to its content hash.
func BlobAAD(sha string) string { return "blob/" + sha }

// BlobStore keeps attachment bytes on disk, content-addressed by the SHA-256
// of the plaintext, sealed under the local key. Missing bytes are a normal
// condition (metadata can arrive before content), reported as ErrNotFound.
type BlobStore struct {
	root string
	box  *cryptox.Box
}

// NewBlobStore roots a blob store at dir, creating it if needed.
func NewBlobStore(dir string, box *cryptox.Box) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &BlobStore{root: dir, box: box}, nil
}

func (s *BlobStore) path(sha string) string {
	return filepath.Join(s.root, sha)
}

// Put hashes plaintext, seals it under the local key and stores it. Returns
// the content hash.
func (s *BlobStore) Put(plaintext []byte) (string, error) {
	sum := sha256.Sum256(plaintext)
	sha := hex.EncodeToString(sum[:])

	sealed, err := s.box.Seal(plaintext, BlobAAD(sha))
	if err != nil {
		return "", fmt.Errorf("failed to seal blob %s: %w", sha, err)
	}
	if err := os.WriteFile(s.path(sha), sealed, 0o600); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", sha, err)
	}
	return sha, nil
}

// PutVerified stores plaintext that must hash to the expected sha. A
// mismatch is fatal: the content does not match its address.
func (s *BlobStore) PutVerified(plaintext []byte, sha string) error {
	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != sha {
		return fmt.Errorf("%w: blob content does not match hash %s", common.ErrCorruptOp, sha)
	}
	sealed, err := s.box.Seal(plaintext, BlobAAD(sha))
	if err != nil {
		return fmt.Errorf("failed to seal blob %s: %w", sha, err)
	}
	if err := os.WriteFile(s.path(sha), sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", sha, err)
	}
	return nil
}

// Get returns the plaintext for a content hash, ErrNotFound if absent.
func (s *BlobStore) Get(sha string) ([]byte, error) {
	sealed, err := os.ReadFile(s.path(sha))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", sha, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	plain, err := s.box.Open(sealed, BlobAAD(sha))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", sha, err)
	}
	return plain, nil
}

// Has reports whether bytes for the hash exist locally.
func (s *BlobStore) Has(sha string) bool {
	_, err := os.Stat(s.path(sha))
	return err == nil
}

// Delete removes local bytes; absent bytes are not an error.
func (s *BlobStore) Delete(sha string) error {
	err := os.Remove(s.path(sha))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", sha, err)
	}
	return nil
}
