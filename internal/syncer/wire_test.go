package syncer

import (
	"encoding/json"
	"testing"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpPathLayout(t *testing.T) {
	assert.Equal(t, "vaults/main/ops/dev-1/000000000042.op", opPath("vaults/main", "dev-1", 42))
	assert.Equal(t, "vaults/main/ops/dev-1", deviceDir("vaults/main", "dev-1"))
	assert.Equal(t, "vaults/main/attachments/abc", blobPath("vaults/main", "abc"))
	assert.Equal(t, "vaults/main/attachments/abc.meta", blobMetaPath("vaults/main", "abc"))

	// Empty root keeps paths relative, for remotes mounted at the vault dir.
	assert.Equal(t, "ops/dev-1/000000000001.op", opPath("", "dev-1", 1))
}

func TestSeqFromName(t *testing.T) {
	seq, ok := seqFromName("000000000042.op")
	require.True(t, ok)
	assert.Equal(t, int64(42), seq)

	for _, name := range []string{"042.tmp", "notanumber.op", "000000000000.op", ".op", "-00000000001.op"} {
		_, ok := seqFromName(name)
		assert.False(t, ok, "name %q", name)
	}
}

func testEnvelope() *oplog.Envelope {
	return &oplog.Envelope{
		OpID:     "op-7",
		DeviceID: "dev-1",
		Seq:      7,
		TsMs:     1234,
		Type:     oplog.TypeTagUpsert,
		Payload:  json.RawMessage(`{"id":"t1","updated_at_ms":1234}`),
	}
}

func TestOpRecordRoundTrip(t *testing.T) {
	box := sharedSyncBox(t)
	data, err := encodeOpRecord(box, testEnvelope())
	require.NoError(t, err)

	env, err := decodeOpRecord(box, data, "dev-1", 7)
	require.NoError(t, err)
	assert.Equal(t, "op-7", env.OpID)
	assert.Equal(t, int64(7), env.Seq)
}

func TestDecodeOpRecordRejectsWrongPosition(t *testing.T) {
	box := sharedSyncBox(t)
	data, err := encodeOpRecord(box, testEnvelope())
	require.NoError(t, err)

	// An op copied to a different stream position must not open.
	_, err = decodeOpRecord(box, data, "dev-1", 8)
	assert.ErrorIs(t, err, common.ErrCorruptOp)

	_, err = decodeOpRecord(box, data, "dev-other", 7)
	assert.ErrorIs(t, err, common.ErrCorruptOp)
}

func TestDecodeOpRecordRejectsForgedClaims(t *testing.T) {
	box := sharedSyncBox(t)
	data, err := encodeOpRecord(box, testEnvelope())
	require.NoError(t, err)

	// Rewriting the plaintext claims around the ciphertext breaks the AAD.
	var rec opRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.Seq = 9
	forged, err := json.Marshal(rec)
	require.NoError(t, err)

	_, err = decodeOpRecord(box, forged, "dev-1", 9)
	assert.ErrorIs(t, err, common.ErrCorruptOp)
}

func TestDecodeOpRecordRejectsGarbage(t *testing.T) {
	_, err := decodeOpRecord(sharedSyncBox(t), []byte("junk"), "dev-1", 1)
	assert.ErrorIs(t, err, common.ErrCorruptOp)
}
