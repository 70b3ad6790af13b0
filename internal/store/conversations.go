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

// ConversationRepo applies conversation ops and serves reads.
type ConversationRepo struct {
	db dbx.DBTX
}

func NewConversationRepo(db dbx.DBTX) *ConversationRepo {
	return &ConversationRepo{db: db}
}

func (r *ConversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	var (
		c              Conversation
		title, summary sql.NullString
	)
	query := `SELECT id, title, summary, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id
			FROM conversations WHERE id = ?`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &title, &summary, &c.CreatedAtMs, &c.UpdatedAtMs, &c.DeletedAtMs, &c.LastWriteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Title = textVal(title)
	c.Summary = textVal(summary)
	return &c, nil
}

// List returns live conversations ordered by creation time.
func (r *ConversationRepo) List(ctx context.Context) ([]Conversation, error) {
	query := `SELECT id, title, summary, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id
			FROM conversations
			WHERE deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms
			ORDER BY created_at_ms, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select conversations: %w", err)
	}
	defer rows.Close()

	var result []Conversation
	for rows.Next() {
		var (
			c              Conversation
			title, summary sql.NullString
		)
		if err := rows.Scan(&c.ID, &title, &summary, &c.CreatedAtMs, &c.UpdatedAtMs, &c.DeletedAtMs, &c.LastWriteID); err != nil {
			return nil, err
		}
		c.Title = textVal(title)
		c.Summary = textVal(summary)
		result = append(result, c)
	}
	return result, rows.Err()
}

// MergeUpsert applies a conversation.upsert payload with per-field LWW.
func (r *ConversationRepo) MergeUpsert(ctx context.Context, p *oplog.ConversationPayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: conversation.upsert without id", common.ErrCorruptOp)
	}

	cur, err := r.Get(ctx, p.ID)
	if errors.Is(err, common.ErrNotFound) {
		created := p.CreatedAtMs
		if created == 0 {
			created = p.UpdatedAtMs
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO conversations (id, title, summary, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			p.ID, textArg(p.Title), textArg(p.Summary), created, p.UpdatedAtMs, opID)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.UpdatedAtMs, incomingID: opID, rowWriteID: cur.LastWriteID}
	wins := w.wins()

	cur.Title = mergeText(cur.Title, p.Title, wins)
	cur.Summary = mergeText(cur.Summary, p.Summary, wins)
	if p.CreatedAtMs != 0 && cur.CreatedAtMs == 0 {
		cur.CreatedAtMs = p.CreatedAtMs
	}
	cur.UpdatedAtMs = maxMs(cur.UpdatedAtMs, p.UpdatedAtMs)
	if wins {
		cur.LastWriteID = opID
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, summary = ?, created_at_ms = ?, updated_at_ms = ?, last_write_id = ?
		WHERE id = ?`,
		textArg(cur.Title), textArg(cur.Summary), cur.CreatedAtMs, cur.UpdatedAtMs, cur.LastWriteID, cur.ID)
	if err != nil {
		return fmt.Errorf("failed to merge conversation: %w", err)
	}
	return nil
}

// MergeDelete applies a conversation.delete tombstone. A missing row still
// gets a tombstone-only row so a stale later insert stays dead.
func (r *ConversationRepo) MergeDelete(ctx context.Context, p *oplog.DeletePayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: conversation.delete without id", common.ErrCorruptOp)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, deleted_at_ms, last_write_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at_ms = MAX(deleted_at_ms, excluded.deleted_at_ms)`,
		p.ID, p.DeletedAtMs, opID)
	if err != nil {
		return fmt.Errorf("failed to apply conversation tombstone: %w", err)
	}
	return nil
}

// EnsurePlaceholder creates an empty conversation row a message can hang off
// before the conversation.upsert op arrives. UpdatedAtMs stays 0 so the
// later upsert always enriches it.
func (r *ConversationRepo) EnsurePlaceholder(ctx context.Context, id string, tsMs int64) error {
	if id == "" {
		return fmt.Errorf("%w: placeholder without conversation id", common.ErrCorruptOp)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at_ms) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`, id, tsMs)
	if err != nil {
		return fmt.Errorf("failed to insert placeholder conversation: %w", err)
	}
	return nil
}
