package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/keepsake-app/keepsake/internal/dbx"
	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/keepsake-app/keepsake/internal/remote"
	"github.com/keepsake-app/keepsake/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyDeferredUntilPeerStreamArrives(t *testing.T) {
	ctx := context.Background()
	// a attaches to a message authored on b; c happens to pull a's stream
	// first, so the attachment has nothing to hang on until b's arrives.
	a := newDevice(t, "a-dev", Options{})
	b := newDevice(t, "b-dev", Options{})
	c := newDevice(t, "c-dev", Options{})
	rs := remote.NewMemStore("shared")

	convID, err := b.mut.CreateConversation(ctx, "on b")
	require.NoError(t, err)
	msgID, err := b.mut.InsertMessage(ctx, convID, "user", "attach here")
	require.NoError(t, err)
	require.NoError(t, b.sync.Push(ctx, rs, testRoot))

	require.NoError(t, a.sync.Pull(ctx, rs, testRoot))
	_, _, err = a.mut.AddAttachment(ctx, msgID, []byte("bytes"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, a.sync.Push(ctx, rs, testRoot))

	require.NoError(t, c.sync.Pull(ctx, rs, testRoot))

	atts, err := store.NewAttachmentRepo(c.db).ListByMessage(ctx, msgID)
	require.NoError(t, err)
	require.Len(t, atts, 1, "deferred attachment applied once the message arrived")
	assert.Zero(t, c.pendingCount(t))
}

func orphanEnvelope() *oplog.Envelope {
	return &oplog.Envelope{
		OpID:     "op-orphan",
		DeviceID: "peer-dev",
		Seq:      1,
		TsMs:     100,
		Type:     oplog.TypeAttachmentAdd,
		Payload:  json.RawMessage(`{"id":"att1","message_id":"never-arrives","sha256":"ab12","byte_len":4,"updated_at_ms":100}`),
	}
}

func TestStabilizeKeepsPendingWithoutBound(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, "dev-x", Options{})

	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return d.sync.ingestEnvelope(ctx, tx, orphanEnvelope())
	})
	require.NoError(t, err)
	require.Equal(t, 1, d.pendingCount(t))

	for i := 0; i < 3; i++ {
		err = dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return d.sync.stabilize(ctx, tx)
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, d.pendingCount(t), "no bound: the op waits for a future pull")
}

func TestStabilizeDropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, "dev-x", Options{MaxPendingAttempts: 2})

	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return d.sync.ingestEnvelope(ctx, tx, orphanEnvelope())
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err = dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return d.sync.stabilize(ctx, tx)
		})
		require.NoError(t, err)
	}
	assert.Zero(t, d.pendingCount(t), "bounded retention gives up")
}

func TestIngestDuplicateOpIsNoop(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, "dev-x", Options{})

	env := &oplog.Envelope{
		OpID:     "op-1",
		DeviceID: "peer-dev",
		Seq:      1,
		TsMs:     100,
		Type:     oplog.TypeTagUpsert,
		Payload:  json.RawMessage(`{"id":"t1","name":"inbox","updated_at_ms":100}`),
	}
	for i := 0; i < 2; i++ {
		err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return d.sync.ingestEnvelope(ctx, tx, env)
		})
		require.NoError(t, err)
	}

	tags, err := store.NewTagRepo(d.db).List(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 1)
	assert.Equal(t, 1, d.oplogLen(t))
}

func TestIngestUnknownOpTypeIsSkipped(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, "dev-x", Options{})

	env := &oplog.Envelope{
		OpID:     "op-future",
		DeviceID: "peer-dev",
		Seq:      1,
		TsMs:     100,
		Type:     "hologram.project",
		Payload:  json.RawMessage(`{"id":"x"}`),
	}
	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return d.sync.ingestEnvelope(ctx, tx, env)
	})
	require.NoError(t, err, "unknown type is skipped, not fatal")
	assert.Zero(t, d.pendingCount(t))
}
