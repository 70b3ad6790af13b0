// Package vault implements the client for the managed relay: batched
// ops:push / ops:pull RPCs, device registration, and attachment storage by
// content hash. Unlike the file-backed remotes it reports structured
// conflicts the push protocol repairs with a device-sequence rebase.
package vault

import (
	"fmt"

	"github.com/keepsake-app/keepsake/internal/common"
)

// WireOp is one encrypted op on the wire. Ciphertext is the envelope sealed
// under the shared sync key, base64 for transport safety.
type WireOp struct {
	DeviceID      string `json:"device_id,omitempty"`
	Seq           int64  `json:"seq"`
	OpID          string `json:"op_id"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

type pushRequest struct {
	DeviceID string   `json:"device_id"`
	Ops      []WireOp `json:"ops"`
}

// PushResult is the server's acknowledgement of an accepted batch.
type PushResult struct {
	Accepted int   `json:"accepted"`
	MaxSeq   int64 `json:"max_seq"`
}

type pullRequest struct {
	DeviceID string           `json:"device_id"`
	Since    map[string]int64 `json:"since"`
	Limit    int              `json:"limit"`
}

// PullResult is one page of peer ops plus updated cursors. Max, when the
// server sends it, carries each device's current head so the client can
// report progress before fetching.
type PullResult struct {
	Ops  []WireOp         `json:"ops"`
	Next map[string]int64 `json:"next"`
	Max  map[string]int64 `json:"max,omitempty"`
}

// Endpoints is returned by device registration.
type Endpoints struct {
	Realtime string `json:"realtime,omitempty"`
}

// Conflict kinds reported inside a 409 body.
const (
	ConflictKindSeq  = "seq"
	ConflictKindOpID = "op_id"
)

// ConflictError is the structured rejection of a push batch: either the
// client is behind (seq_gap) or the server holds a different op at a
// position the client tried to write (conflict).
type ConflictError struct {
	Kind            string `json:"error"` // "seq_gap" or "conflict"
	ExpectedNextSeq int64  `json:"expected_next_seq,omitempty"`
	ConflictKind    string `json:"conflict_kind,omitempty"`
	ConflictSeq     int64  `json:"conflict_seq,omitempty"`
	OpID            string `json:"op_id,omitempty"`
}

func (e *ConflictError) Error() string {
	if e.Kind == "seq_gap" {
		return fmt.Sprintf("push rejected: seq gap, expected next seq %d", e.ExpectedNextSeq)
	}
	return fmt.Sprintf("push rejected: %s conflict at seq %d", e.ConflictKind, e.ConflictSeq)
}

func (e *ConflictError) Is(target error) bool {
	return target == common.ErrConflict
}
