package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keepsake-app/keepsake/internal/cryptox"
	"github.com/keepsake-app/keepsake/internal/dbx"
	"github.com/keepsake-app/keepsake/internal/oplog"
)

// Mutator is the only write path for local state changes. Every mutation
// appends the oplog envelope and applies it to the entity rows in one
// transaction, so the materialized rows are always exactly the fold of the
// log and a crash cannot separate the two.
type Mutator struct {
	db       *sql.DB
	writer   *oplog.Writer
	deviceID string
	blobs    *BlobStore
	now      func() time.Time
}

// NewMutator builds a Mutator over the open store. localBox seals oplog rows
// and blobs under the local key.
func NewMutator(db *sql.DB, deviceID string, localBox *cryptox.Box, blobs *BlobStore) *Mutator {
	return &Mutator{
		db:       db,
		writer:   oplog.NewWriter(deviceID, localBox),
		deviceID: deviceID,
		blobs:    blobs,
		now:      time.Now,
	}
}

func (m *Mutator) nowMs() int64 { return m.now().UnixMilli() }

// record appends the envelope and applies it through the same merge function
// pull uses, inside one transaction.
func (m *Mutator) record(ctx context.Context, opType string, payload any, apply func(ctx context.Context, tx dbx.DBTX, opID string) error) error {
	return dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		env, err := m.writer.Append(ctx, tx, opType, payload)
		if err != nil {
			return err
		}
		return apply(ctx, tx, env.OpID)
	})
}

// CreateConversation starts a conversation and returns its id.
func (m *Mutator) CreateConversation(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	ts := m.nowMs()
	p := &oplog.ConversationPayload{ID: id, Title: &title, CreatedAtMs: ts, UpdatedAtMs: ts}
	err := m.record(ctx, oplog.TypeConversationUpsert, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewConversationRepo(tx).MergeUpsert(ctx, p, opID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateConversation applies a partial conversation edit.
func (m *Mutator) UpdateConversation(ctx context.Context, id string, title, summary *string) error {
	p := &oplog.ConversationPayload{ID: id, Title: title, Summary: summary, UpdatedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeConversationUpsert, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewConversationRepo(tx).MergeUpsert(ctx, p, opID)
	})
}

// DeleteConversation tombstones a conversation.
func (m *Mutator) DeleteConversation(ctx context.Context, id string) error {
	p := &oplog.DeletePayload{ID: id, DeletedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeConversationDelete, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewConversationRepo(tx).MergeDelete(ctx, p, opID)
	})
}

// InsertMessage appends a message to a conversation and returns its id.
func (m *Mutator) InsertMessage(ctx context.Context, conversationID, role, body string) (string, error) {
	id := uuid.NewString()
	ts := m.nowMs()
	p := &oplog.MessagePayload{
		ID: id, ConversationID: conversationID,
		Role: &role, Body: &body,
		CreatedAtMs: ts, UpdatedAtMs: ts,
	}
	err := m.record(ctx, oplog.TypeMessageInsert, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewMessageRepo(tx).MergeUpsert(ctx, p, opID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EditMessage rewrites a message body.
func (m *Mutator) EditMessage(ctx context.Context, id, body string) error {
	p := &oplog.MessagePayload{ID: id, Body: &body, UpdatedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeMessageUpdate, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewMessageRepo(tx).MergeUpsert(ctx, p, opID)
	})
}

// DeleteMessage tombstones a message.
func (m *Mutator) DeleteMessage(ctx context.Context, id string) error {
	p := &oplog.DeletePayload{ID: id, DeletedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeMessageDelete, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewMessageRepo(tx).MergeDelete(ctx, p, opID)
	})
}

// SetMessageTags replaces a message's tag set.
func (m *Mutator) SetMessageTags(ctx context.Context, messageID string, tagIDs []string) error {
	p := &oplog.MessageTagsPayload{MessageID: messageID, TagIDs: tagIDs, UpdatedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeMessageTags, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewMessageRepo(tx).MergeTagSet(ctx, p, opID)
	})
}

// UpsertTag creates or renames a tag.
func (m *Mutator) UpsertTag(ctx context.Context, id string, name, color *string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ts := m.nowMs()
	p := &oplog.TagPayload{ID: id, Name: name, Color: color, CreatedAtMs: ts, UpdatedAtMs: ts}
	err := m.record(ctx, oplog.TypeTagUpsert, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewTagRepo(tx).MergeUpsert(ctx, p, opID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteTag tombstones a tag.
func (m *Mutator) DeleteTag(ctx context.Context, id string) error {
	p := &oplog.DeletePayload{ID: id, DeletedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeTagDelete, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewTagRepo(tx).MergeDelete(ctx, p, opID)
	})
}

// UpsertThread creates or renames a topic thread.
func (m *Mutator) UpsertThread(ctx context.Context, id string, title *string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ts := m.nowMs()
	p := &oplog.ThreadPayload{ID: id, Title: title, CreatedAtMs: ts, UpdatedAtMs: ts}
	err := m.record(ctx, oplog.TypeThreadUpsert, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewThreadRepo(tx).MergeUpsert(ctx, p, opID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteThread tombstones a thread.
func (m *Mutator) DeleteThread(ctx context.Context, id string) error {
	p := &oplog.DeletePayload{ID: id, DeletedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeThreadDelete, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewThreadRepo(tx).MergeDelete(ctx, p, opID)
	})
}

// SetThreadMessages replaces a thread's ordered message membership.
func (m *Mutator) SetThreadMessages(ctx context.Context, threadID string, messageIDs []string) error {
	p := &oplog.ThreadMessagesPayload{ThreadID: threadID, MessageIDs: messageIDs, UpdatedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeThreadMessages, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewThreadRepo(tx).MergeMessageSet(ctx, p, opID)
	})
}

// UpsertTodo creates or edits a todo.
func (m *Mutator) UpsertTodo(ctx context.Context, id string, title, notes *string, dueAtMs, doneAtMs *int64) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ts := m.nowMs()
	p := &oplog.TodoPayload{ID: id, Title: title, Notes: notes, DueAtMs: dueAtMs, DoneAtMs: doneAtMs, CreatedAtMs: ts, UpdatedAtMs: ts}
	err := m.record(ctx, oplog.TypeTodoUpsert, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewTodoRepo(tx).MergeUpsert(ctx, p, opID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteTodo tombstones a todo.
func (m *Mutator) DeleteTodo(ctx context.Context, id string) error {
	p := &oplog.DeletePayload{ID: id, DeletedAtMs: m.nowMs()}
	return m.record(ctx, oplog.TypeTodoDelete, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewTodoRepo(tx).MergeDelete(ctx, p, opID)
	})
}

// AddAttachment stores the bytes in the blob store and records the metadata
// op. Returns the attachment id and content hash.
func (m *Mutator) AddAttachment(ctx context.Context, messageID string, content []byte, mime string) (id, sha string, err error) {
	if m.blobs == nil {
		return "", "", fmt.Errorf("blob store not configured")
	}
	sha, err = m.blobs.Put(content)
	if err != nil {
		return "", "", err
	}
	id = uuid.NewString()
	ts := m.nowMs()
	p := &oplog.AttachmentPayload{
		ID: id, MessageID: messageID, SHA256: sha,
		ByteLen: int64(len(content)), Mime: mime,
		CreatedAtMs: ts, UpdatedAtMs: ts,
	}
	err = m.record(ctx, oplog.TypeAttachmentAdd, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewAttachmentRepo(tx).MergeAdd(ctx, p, opID)
	})
	if err != nil {
		return "", "", err
	}
	return id, sha, nil
}

// DeleteAttachment tombstones attachment metadata and drops local bytes if
// nothing else references the hash.
func (m *Mutator) DeleteAttachment(ctx context.Context, id string) error {
	att, err := NewAttachmentRepo(m.db).Get(ctx, id)
	if err != nil {
		return err
	}
	p := &oplog.DeletePayload{ID: id, SHA256: att.SHA256, DeletedAtMs: m.nowMs()}
	err = m.record(ctx, oplog.TypeAttachmentDelete, p, func(ctx context.Context, tx dbx.DBTX, opID string) error {
		return NewAttachmentRepo(tx).MergeDelete(ctx, p, opID)
	})
	if err != nil {
		return err
	}
	if m.blobs != nil {
		referenced, err := NewAttachmentRepo(m.db).HashReferenced(ctx, att.SHA256)
		if err != nil {
			return err
		}
		if !referenced {
			return m.blobs.Delete(att.SHA256)
		}
	}
	return nil
}
