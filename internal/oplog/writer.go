package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keepsake-app/keepsake/internal/cryptox"
	"github.com/keepsake-app/keepsake/internal/dbx"
)

// LocalAAD is the associated-data string binding a locally stored envelope to
// its op_id, so a sealed body cannot be replayed under another op.
func LocalAAD(opID string) string { return "oplog/op/" + opID }

// Writer appends envelopes for the local device. Append must run inside the
// same transaction as the entity mutation it describes: a crash must never
// leave an entity changed without its oplog entry, or vice versa.
type Writer struct {
	deviceID string
	box      *cryptox.Box
	now      func() time.Time
}

// NewWriter returns a Writer for the local device. box seals envelopes under
// the local key.
func NewWriter(deviceID string, box *cryptox.Box) *Writer {
	return &Writer{deviceID: deviceID, box: box, now: time.Now}
}

// Append assigns the next per-device seq, builds the envelope, seals it and
// inserts the row through tx. It returns the envelope it appended.
func (w *Writer) Append(ctx context.Context, tx dbx.DBTX, opType string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", opType, err)
	}

	repo := NewRepository(tx)
	seq, err := repo.NextSeq(ctx, w.deviceID)
	if err != nil {
		return nil, err
	}

	nowMs := w.now().UnixMilli()
	env := &Envelope{
		OpID:     uuid.NewString(),
		DeviceID: w.deviceID,
		Seq:      seq,
		TsMs:     nowMs,
		Type:     opType,
		Payload:  body,
	}

	plain, err := env.Encode()
	if err != nil {
		return nil, err
	}
	sealed, err := w.box.Seal(plain, LocalAAD(env.OpID))
	if err != nil {
		return nil, fmt.Errorf("failed to seal envelope %s: %w", env.OpID, err)
	}

	row := &Row{
		OpID:        env.OpID,
		DeviceID:    env.DeviceID,
		Seq:         env.Seq,
		OpJSON:      sealed,
		CreatedAtMs: nowMs,
	}
	if err := repo.Insert(ctx, row); err != nil {
		return nil, err
	}
	return env, nil
}

// OpenRow decrypts a stored row back into its envelope.
func OpenRow(box *cryptox.Box, row *Row) (*Envelope, error) {
	plain, err := box.Open(row.OpJSON, LocalAAD(row.OpID))
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope %s: %w", row.OpID, err)
	}
	return Decode(plain)
}

// SealEnvelope seals an already-built envelope for local storage.
func SealEnvelope(box *cryptox.Box, env *Envelope) ([]byte, error) {
	plain, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return box.Seal(plain, LocalAAD(env.OpID))
}
