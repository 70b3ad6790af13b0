package oplog

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE oplog (
  op_id TEXT PRIMARY KEY,
  device_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  op_json BLOB NOT NULL,
  created_at_ms INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_oplog_device_seq ON oplog(device_id, seq);
`)
	require.NoError(t, err)
	return db
}

func testBox(t *testing.T) *cryptox.Box {
	t.Helper()
	box, err := cryptox.NewBox(bytes.Repeat([]byte{3}, cryptox.KeySize))
	require.NoError(t, err)
	return box
}

func TestWriterAppendAssignsSequentialSeqs(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	box := testBox(t)
	w := NewWriter("dev-1", box)

	e1, err := w.Append(ctx, db, TypeTagUpsert, &TagPayload{ID: "t1", Name: strp("work"), UpdatedAtMs: 100})
	require.NoError(t, err)
	e2, err := w.Append(ctx, db, TypeTagUpsert, &TagPayload{ID: "t2", Name: strp("home"), UpdatedAtMs: 110})
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.NotEqual(t, e1.OpID, e2.OpID)

	rows, err := NewRepository(db).Range(ctx, "dev-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Stored bodies are ciphertext, not the envelope JSON.
	assert.NotContains(t, string(rows[0].OpJSON), "t1")

	env, err := OpenRow(box, &rows[0])
	require.NoError(t, err)
	assert.Equal(t, e1.OpID, env.OpID)
	var p TagPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "work", *p.Name)
}

func TestOpenRowRejectsReboundCiphertext(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	box := testBox(t)
	w := NewWriter("dev-1", box)

	env, err := w.Append(ctx, db, TypeTagUpsert, &TagPayload{ID: "t1", UpdatedAtMs: 100})
	require.NoError(t, err)

	row, err := NewRepository(db).Get(ctx, env.OpID)
	require.NoError(t, err)

	// The AAD binds the ciphertext to its op_id; presenting it under another
	// id must fail.
	row.OpID = "op-forged"
	_, err = OpenRow(box, row)
	assert.Error(t, err)
}

func TestRepositoryInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := NewRepository(db)

	row := &Row{OpID: "op-1", DeviceID: "dev-2", Seq: 1, OpJSON: []byte("x"), CreatedAtMs: 10}
	inserted, err := repo.InsertIfAbsent(ctx, row)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertIfAbsent(ctx, row)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate op_id is silently ignored")

	ok, err := repo.Contains(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRepositoryRangeAndMaxSeq(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	repo := NewRepository(db)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, repo.Insert(ctx, &Row{
			OpID: "op-" + string(rune('a'+i)), DeviceID: "dev-1", Seq: i, OpJSON: []byte("x"), CreatedAtMs: i,
		}))
	}

	rows, err := repo.Range(ctx, "dev-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[0].Seq)

	rows, err = repo.Range(ctx, "dev-1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	max, err := repo.MaxSeq(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), max)

	max, err = repo.MaxSeq(ctx, "dev-other")
	require.NoError(t, err)
	assert.Zero(t, max)
}

func TestRepositoryGetNotFound(t *testing.T) {
	db := setupDB(t)
	_, err := NewRepository(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func strp(s string) *string { return &s }
