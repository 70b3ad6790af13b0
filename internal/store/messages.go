package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/dbx"
	"github.com/keepsake-app/keepsake/internal/oplog"
)

// MessageRepo applies message ops and serves reads.
type MessageRepo struct {
	db dbx.DBTX
}

func NewMessageRepo(db dbx.DBTX) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageCols = `id, conversation_id, role, body, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id, tags_updated_ms, tags_write_id`

func scanMessage(scan func(...any) error) (*Message, error) {
	var (
		m          Message
		role, body sql.NullString
	)
	err := scan(&m.ID, &m.ConversationID, &role, &body, &m.CreatedAtMs, &m.UpdatedAtMs,
		&m.DeletedAtMs, &m.LastWriteID, &m.TagsUpdatedMs, &m.TagsWriteID)
	if err != nil {
		return nil, err
	}
	m.Role = textVal(role)
	m.Body = textVal(body)
	return &m, nil
}

func (r *MessageRepo) Get(ctx context.Context, id string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns live messages of a conversation in creation order.
func (r *MessageRepo) List(ctx context.Context, conversationID string) ([]Message, error) {
	query := `SELECT ` + messageCols + ` FROM messages
			WHERE conversation_id = ? AND (deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms)
			ORDER BY created_at_ms, id`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// MergeUpsert applies message.insert and message.update with per-field LWW.
// An update that arrives before its insert and does not name a conversation
// is a dependency failure; with a conversation id it simply creates the row.
func (r *MessageRepo) MergeUpsert(ctx context.Context, p *oplog.MessagePayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: message op without id", common.ErrCorruptOp)
	}

	cur, err := r.Get(ctx, p.ID)
	if errors.Is(err, common.ErrNotFound) {
		if p.ConversationID == "" {
			return fmt.Errorf("message %s update before insert: %w", p.ID, common.ErrDependency)
		}
		created := p.CreatedAtMs
		if created == 0 {
			created = p.UpdatedAtMs
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, body, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			p.ID, p.ConversationID, textArg(p.Role), textArg(p.Body), created, p.UpdatedAtMs, opID)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.UpdatedAtMs, incomingID: opID, rowWriteID: cur.LastWriteID}
	wins := w.wins()

	cur.Role = mergeText(cur.Role, p.Role, wins)
	cur.Body = mergeText(cur.Body, p.Body, wins)
	// A tombstone stub carries no conversation; adopt it from whichever op
	// names one, so a delete arriving before the insert still leaves the
	// message findable in its conversation.
	if cur.ConversationID == "" && p.ConversationID != "" {
		cur.ConversationID = p.ConversationID
	}
	if p.CreatedAtMs != 0 && cur.CreatedAtMs == 0 {
		cur.CreatedAtMs = p.CreatedAtMs
	}
	cur.UpdatedAtMs = maxMs(cur.UpdatedAtMs, p.UpdatedAtMs)
	if wins {
		cur.LastWriteID = opID
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE messages SET conversation_id = ?, role = ?, body = ?, created_at_ms = ?, updated_at_ms = ?, last_write_id = ? WHERE id = ?`,
		cur.ConversationID, textArg(cur.Role), textArg(cur.Body), cur.CreatedAtMs, cur.UpdatedAtMs, cur.LastWriteID, cur.ID)
	if err != nil {
		return fmt.Errorf("failed to merge message: %w", err)
	}
	return nil
}

// MergeDelete applies a message.delete tombstone.
func (r *MessageRepo) MergeDelete(ctx context.Context, p *oplog.DeletePayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: message.delete without id", common.ErrCorruptOp)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, deleted_at_ms, last_write_id) VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at_ms = MAX(deleted_at_ms, excluded.deleted_at_ms)`,
		p.ID, p.DeletedAtMs, opID)
	if err != nil {
		return fmt.Errorf("failed to apply message tombstone: %w", err)
	}
	return nil
}

// MergeTagSet replaces the message's tag membership wholesale under LWW on
// the set timestamp. The message row must already exist.
func (r *MessageRepo) MergeTagSet(ctx context.Context, p *oplog.MessageTagsPayload, opID string) error {
	if p.MessageID == "" {
		return fmt.Errorf("%w: message.tags without message_id", common.ErrCorruptOp)
	}

	cur, err := r.Get(ctx, p.MessageID)
	if errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("message %s not applied yet: %w", p.MessageID, common.ErrDependency)
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.TagsUpdatedMs, incomingID: opID, rowWriteID: cur.TagsWriteID}
	if !w.wins() {
		return nil
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM message_tags WHERE message_id = ?`, p.MessageID); err != nil {
		return fmt.Errorf("failed to clear tag set: %w", err)
	}
	for _, tagID := range p.TagIDs {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO message_tags (message_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			p.MessageID, tagID)
		if err != nil {
			return fmt.Errorf("failed to insert tag membership: %w", err)
		}
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE messages SET tags_updated_ms = ?, tags_write_id = ? WHERE id = ?`,
		p.UpdatedAtMs, opID, p.MessageID)
	if err != nil {
		return fmt.Errorf("failed to record tag set write: %w", err)
	}
	return nil
}

// TagIDs returns the message's current tag membership sorted by tag id.
func (r *MessageRepo) TagIDs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tag_id FROM message_tags WHERE message_id = ? ORDER BY tag_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
