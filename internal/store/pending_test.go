package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRepo(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	r := NewPendingRepo(db)

	require.NoError(t, r.Add(ctx, "op-1"))
	require.NoError(t, r.Add(ctx, "op-2"))
	require.NoError(t, r.Add(ctx, "op-1"), "re-adding is a no-op")

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, r.BumpAttempts(ctx, "op-1"))
	require.NoError(t, r.BumpAttempts(ctx, "op-1"))

	items, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "op-1", items[0].OpID)
	assert.Equal(t, int64(2), items[0].Attempts)
	assert.Equal(t, int64(0), items[1].Attempts)

	require.NoError(t, r.Remove(ctx, "op-1"))
	n, err = r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
