package store

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir(), testBox(t))
	require.NoError(t, err)

	content := []byte("attachment bytes")
	sha, err := blobs.Put(content)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), sha)
	assert.True(t, blobs.Has(sha))

	got, err := blobs.Get(sha)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBlobStoreGetMissing(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir(), testBox(t))
	require.NoError(t, err)

	_, err = blobs.Get("deadbeef")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestBlobStorePutVerifiedRejectsWrongHash(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir(), testBox(t))
	require.NoError(t, err)

	err = blobs.PutVerified([]byte("content"), "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, common.ErrCorruptOp)
}

func TestBlobStoreDeleteAbsentIsNoop(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir(), testBox(t))
	require.NoError(t, err)
	assert.NoError(t, blobs.Delete("deadbeef"))
}
