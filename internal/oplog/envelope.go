// Package oplog defines the operation envelope, the unit of replication,
// and the append-only per-device log it lives in. The local device's own
// entries are the push outbox; entries pulled from peer devices are inserted
// into the same table, which doubles as the idempotency ledger.
package oplog

import (
	"encoding/json"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/common"
)

// Operation types dispatched by the apply engine.
const (
	TypeConversationUpsert = "conversation.upsert"
	TypeConversationDelete = "conversation.delete"
	TypeMessageInsert      = "message.insert"
	TypeMessageUpdate      = "message.update"
	TypeMessageDelete      = "message.delete"
	TypeMessageTags        = "message.tags"
	TypeTagUpsert          = "tag.upsert"
	TypeTagDelete          = "tag.delete"
	TypeThreadUpsert       = "thread.upsert"
	TypeThreadDelete       = "thread.delete"
	TypeThreadMessages     = "thread.messages"
	TypeTodoUpsert         = "todo.upsert"
	TypeTodoDelete         = "todo.delete"
	TypeAttachmentAdd      = "attachment.add"
	TypeAttachmentDelete   = "attachment.delete"
)

// Envelope is the immutable unit of replication. Seq is assigned only by the
// originating device and is strictly increasing per device. OpID is globally
// unique; a collision is treated as a duplicate, never an error.
type Envelope struct {
	OpID     string          `json:"op_id"`
	DeviceID string          `json:"device_id"`
	Seq      int64           `json:"seq"`
	TsMs     int64           `json:"ts_ms"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode serializes the envelope to its canonical JSON form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from JSON and checks its structural invariants.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptOp, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the fields every envelope must carry regardless of type.
func (e *Envelope) Validate() error {
	switch {
	case e.OpID == "":
		return fmt.Errorf("%w: missing op_id", common.ErrCorruptOp)
	case e.DeviceID == "":
		return fmt.Errorf("%w: missing device_id", common.ErrCorruptOp)
	case e.Seq <= 0:
		return fmt.Errorf("%w: non-positive seq %d", common.ErrCorruptOp, e.Seq)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", common.ErrCorruptOp)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: missing payload", common.ErrCorruptOp)
	}
	return nil
}

// DecodePayload unmarshals the payload into v, classifying JSON shape
// failures as corrupt-op errors.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: payload of %s: %v", common.ErrCorruptOp, e.Type, err)
	}
	return nil
}

// ConversationPayload carries a full or partial conversation upsert. Nil
// pointer fields are absent from the op and leave the local value untouched.
type ConversationPayload struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	CreatedAtMs int64   `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

// MessagePayload carries a message insert or partial update.
type MessagePayload struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Role           *string `json:"role,omitempty"`
	Body           *string `json:"body,omitempty"`
	CreatedAtMs    int64   `json:"created_at_ms,omitempty"`
	UpdatedAtMs    int64   `json:"updated_at_ms"`
}

// MessageTagsPayload replaces a message's tag set wholesale.
type MessageTagsPayload struct {
	MessageID   string   `json:"message_id"`
	TagIDs      []string `json:"tag_ids"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
}

// TagPayload carries a tag upsert.
type TagPayload struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Color       *string `json:"color,omitempty"`
	CreatedAtMs int64   `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

// ThreadPayload carries a topic-thread upsert.
type ThreadPayload struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	CreatedAtMs int64   `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

// ThreadMessagesPayload replaces a thread's message membership wholesale,
// preserving order.
type ThreadMessagesPayload struct {
	ThreadID    string   `json:"thread_id"`
	MessageIDs  []string `json:"message_ids"`
	UpdatedAtMs int64    `json:"updated_at_ms"`
}

// TodoPayload carries a todo upsert.
type TodoPayload struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Notes       *string `json:"notes,omitempty"`
	DueAtMs     *int64  `json:"due_at_ms,omitempty"`
	DoneAtMs    *int64  `json:"done_at_ms,omitempty"`
	CreatedAtMs int64   `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

// AttachmentPayload carries attachment metadata. The binary content travels
// separately through the blob sync, addressed by SHA256.
type AttachmentPayload struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	SHA256      string `json:"sha256"`
	ByteLen     int64  `json:"byte_len"`
	Mime        string `json:"mime"`
	CreatedAtMs int64  `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// DeletePayload is the tombstone payload shared by the *.delete op types.
// SHA256 is set only for attachment.delete so push can match it against
// queued uploads.
type DeletePayload struct {
	ID          string `json:"id"`
	SHA256      string `json:"sha256,omitempty"`
	DeletedAtMs int64  `json:"deleted_at_ms"`
}
