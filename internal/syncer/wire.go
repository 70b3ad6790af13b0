package syncer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/cryptox"
	"github.com/keepsake-app/keepsake/internal/oplog"
)

// Remote layout for file-backed remotes (WebDAV, shared directory):
//
//	<root>/ops/<device_id>/<seq, 12 digits>.op   one opRecord per op
//	<root>/attachments/<sha256>                  sealed blob bytes
//	<root>/attachments/<sha256>.meta             blobMeta JSON
//
// Op objects are addressed purely by (device_id, seq), so pull can walk a
// device stream by probing sequential paths instead of trusting fine-grained
// listings, which some remotes serve stale.

const opSuffix = ".op"

func opsDir(root string) string            { return path.Join(root, "ops") }
func deviceDir(root, dev string) string    { return path.Join(root, "ops", dev) }
func attachmentsDir(root string) string    { return path.Join(root, "attachments") }
func blobPath(root, sha string) string     { return path.Join(root, "attachments", sha) }
func blobMetaPath(root, sha string) string { return blobPath(root, sha) + ".meta" }

func opPath(root, dev string, seq int64) string {
	return path.Join(deviceDir(root, dev), fmt.Sprintf("%012d%s", seq, opSuffix))
}

// seqFromName parses an op file name back to its seq, ok=false for foreign
// files.
func seqFromName(name string) (int64, bool) {
	if !strings.HasSuffix(name, opSuffix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(name, opSuffix), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// SyncOpAAD binds transported op ciphertext to its stream position, so an op
// cannot be replayed at another (device, seq).
func SyncOpAAD(deviceID string, seq int64) string {
	return "sync/op/" + deviceID + "/" + strconv.FormatInt(seq, 10)
}

// SyncBlobAAD binds transported blob ciphertext to its content hash.
func SyncBlobAAD(sha string) string { return "sync/blob/" + sha }

// opRecord is the stored form of one op on a file-backed remote. The fields
// outside the ciphertext are the claimed identity; pull verifies them
// against the decrypted envelope.
type opRecord struct {
	OpID          string `json:"op_id"`
	DeviceID      string `json:"device_id"`
	Seq           int64  `json:"seq"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// blobMeta is the sidecar for a remote blob.
type blobMeta struct {
	ByteLen     int64  `json:"byte_len"`
	Mime        string `json:"mime"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// encodeOpRecord seals the envelope under the sync key at its stream
// position and wraps it for storage.
func encodeOpRecord(syncBox *cryptox.Box, env *oplog.Envelope) ([]byte, error) {
	plain, err := env.Encode()
	if err != nil {
		return nil, err
	}
	sealed, err := syncBox.Seal(plain, SyncOpAAD(env.DeviceID, env.Seq))
	if err != nil {
		return nil, fmt.Errorf("failed to seal op %s: %w", env.OpID, err)
	}
	rec := opRecord{
		OpID:          env.OpID,
		DeviceID:      env.DeviceID,
		Seq:           env.Seq,
		CiphertextB64: base64.StdEncoding.EncodeToString(sealed),
	}
	return json.Marshal(rec)
}

// decodeOpRecord opens a stored op record and verifies the decrypted
// envelope against the record's claimed identity. Any mismatch is a corrupt
// op.
func decodeOpRecord(syncBox *cryptox.Box, data []byte, wantDevice string, wantSeq int64) (*oplog.Envelope, error) {
	var rec opRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: op record: %v", common.ErrCorruptOp, err)
	}
	return openWireOp(syncBox, rec.OpID, rec.DeviceID, rec.Seq, rec.CiphertextB64, wantDevice, wantSeq)
}

// openWireOp decrypts transported ciphertext and cross-checks every claimed
// field against the envelope inside.
func openWireOp(syncBox *cryptox.Box, claimID, claimDevice string, claimSeq int64, ciphertextB64, wantDevice string, wantSeq int64) (*oplog.Envelope, error) {
	if wantDevice != "" && claimDevice != wantDevice {
		return nil, fmt.Errorf("%w: op claims device %s, stream is %s", common.ErrCorruptOp, claimDevice, wantDevice)
	}
	if wantSeq != 0 && claimSeq != wantSeq {
		return nil, fmt.Errorf("%w: op claims seq %d, position is %d", common.ErrCorruptOp, claimSeq, wantSeq)
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext base64: %v", common.ErrCorruptOp, err)
	}
	plain, err := syncBox.Open(sealed, SyncOpAAD(claimDevice, claimSeq))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptOp, err)
	}
	env, err := oplog.Decode(plain)
	if err != nil {
		return nil, err
	}
	if env.OpID != claimID {
		return nil, fmt.Errorf("%w: envelope op_id %s does not match claimed %s", common.ErrCorruptOp, env.OpID, claimID)
	}
	if env.DeviceID != claimDevice || env.Seq != claimSeq {
		return nil, fmt.Errorf("%w: envelope position %s/%d does not match claimed %s/%d",
			common.ErrCorruptOp, env.DeviceID, env.Seq, claimDevice, claimSeq)
	}
	return env, nil
}
