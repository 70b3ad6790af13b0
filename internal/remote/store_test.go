package remote

import (
	"context"
	"testing"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreConformance exercises the Store contract every backend must honor.
func runStoreConformance(t *testing.T, rs Store) {
	t.Helper()
	ctx := context.Background()

	_, err := rs.Get(ctx, "ops/dev/000000000001.op")
	assert.ErrorIs(t, err, common.ErrNotFound, "get of absent file")

	require.NoError(t, rs.MkdirAll(ctx, "ops/dev-a"))
	require.NoError(t, rs.Put(ctx, "ops/dev-a/000000000001.op", []byte("one")))
	require.NoError(t, rs.Put(ctx, "ops/dev-b/000000000001.op", []byte("two")), "put creates parents")

	got, err := rs.Get(ctx, "ops/dev-a/000000000001.op")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	// Overwrite is allowed and replaces content.
	require.NoError(t, rs.Put(ctx, "ops/dev-a/000000000001.op", []byte("one v2")))
	got, err = rs.Get(ctx, "ops/dev-a/000000000001.op")
	require.NoError(t, err)
	assert.Equal(t, []byte("one v2"), got)

	names, err := rs.List(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-a/", "dev-b/"}, names, "directories listed with trailing slash")

	names, err = rs.List(ctx, "ops/dev-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"000000000001.op"}, names)

	_, err = rs.List(ctx, "no/such/dir")
	assert.ErrorIs(t, err, common.ErrNotFound)

	err = rs.Delete(ctx, "ops/dev-a/000000000002.op")
	assert.ErrorIs(t, err, common.ErrNotFound, "delete of absent file")

	require.NoError(t, rs.Delete(ctx, "ops/dev-a/000000000001.op"))
	_, err = rs.Get(ctx, "ops/dev-a/000000000001.op")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Recursive directory delete.
	require.NoError(t, rs.Delete(ctx, "ops/dev-b"))
	_, err = rs.Get(ctx, "ops/dev-b/000000000001.op")
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.Error(t, rs.Delete(ctx, ""), "deleting the root is refused")
	assert.Error(t, rs.Delete(ctx, "/"), "deleting the root is refused")
}

func TestMemStoreConformance(t *testing.T) {
	runStoreConformance(t, NewMemStore("conformance"))
}

func TestDirStoreConformance(t *testing.T) {
	rs, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	runStoreConformance(t, rs)
}

func TestMemStoreOnPutHook(t *testing.T) {
	ctx := context.Background()
	rs := NewMemStore("hook")
	boom := &StatusError{Code: 429, Body: "slow down"}
	rs.OnPut = func(path string) error { return boom }

	err := rs.Put(ctx, "a/b", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrBusy)
	assert.Zero(t, rs.PutCalls, "rejected writes are not recorded")
}

func TestStatusErrorBusyMatching(t *testing.T) {
	for _, code := range []int{423, 429, 503} {
		assert.ErrorIs(t, &StatusError{Code: code}, common.ErrBusy, "code %d", code)
	}
	for _, code := range []int{400, 401, 404, 500} {
		assert.NotErrorIs(t, &StatusError{Code: code}, common.ErrBusy, "code %d", code)
	}
}
