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

// ThreadRepo applies topic-thread ops and serves reads.
type ThreadRepo struct {
	db dbx.DBTX
}

func NewThreadRepo(db dbx.DBTX) *ThreadRepo {
	return &ThreadRepo{db: db}
}

func (r *ThreadRepo) Get(ctx context.Context, id string) (*Thread, error) {
	var (
		t     Thread
		title sql.NullString
	)
	query := `SELECT id, title, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id, items_updated_ms, items_write_id
			FROM threads WHERE id = ?`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &title, &t.CreatedAtMs, &t.UpdatedAtMs, &t.DeletedAtMs, &t.LastWriteID, &t.ItemsUpdatedMs, &t.ItemsWriteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Title = textVal(title)
	return &t, nil
}

// List returns live threads ordered by creation time.
func (r *ThreadRepo) List(ctx context.Context) ([]Thread, error) {
	query := `SELECT id, title, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id, items_updated_ms, items_write_id
			FROM threads
			WHERE deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms
			ORDER BY created_at_ms, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select threads: %w", err)
	}
	defer rows.Close()

	var result []Thread
	for rows.Next() {
		var (
			t     Thread
			title sql.NullString
		)
		if err := rows.Scan(&t.ID, &title, &t.CreatedAtMs, &t.UpdatedAtMs, &t.DeletedAtMs, &t.LastWriteID, &t.ItemsUpdatedMs, &t.ItemsWriteID); err != nil {
			return nil, err
		}
		t.Title = textVal(title)
		result = append(result, t)
	}
	return result, rows.Err()
}

// MergeUpsert applies a thread.upsert payload with per-field LWW.
func (r *ThreadRepo) MergeUpsert(ctx context.Context, p *oplog.ThreadPayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: thread.upsert without id", common.ErrCorruptOp)
	}

	cur, err := r.Get(ctx, p.ID)
	if errors.Is(err, common.ErrNotFound) {
		created := p.CreatedAtMs
		if created == 0 {
			created = p.UpdatedAtMs
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO threads (id, title, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id)
			VALUES (?, ?, ?, ?, 0, ?)`,
			p.ID, textArg(p.Title), created, p.UpdatedAtMs, opID)
		if err != nil {
			return fmt.Errorf("failed to insert thread: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.UpdatedAtMs, incomingID: opID, rowWriteID: cur.LastWriteID}
	wins := w.wins()

	cur.Title = mergeText(cur.Title, p.Title, wins)
	if p.CreatedAtMs != 0 && cur.CreatedAtMs == 0 {
		cur.CreatedAtMs = p.CreatedAtMs
	}
	cur.UpdatedAtMs = maxMs(cur.UpdatedAtMs, p.UpdatedAtMs)
	if wins {
		cur.LastWriteID = opID
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, created_at_ms = ?, updated_at_ms = ?, last_write_id = ? WHERE id = ?`,
		textArg(cur.Title), cur.CreatedAtMs, cur.UpdatedAtMs, cur.LastWriteID, cur.ID)
	if err != nil {
		return fmt.Errorf("failed to merge thread: %w", err)
	}
	return nil
}

// MergeDelete applies a thread.delete tombstone.
func (r *ThreadRepo) MergeDelete(ctx context.Context, p *oplog.DeletePayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: thread.delete without id", common.ErrCorruptOp)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO threads (id, deleted_at_ms, last_write_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at_ms = MAX(deleted_at_ms, excluded.deleted_at_ms)`,
		p.ID, p.DeletedAtMs, opID)
	if err != nil {
		return fmt.Errorf("failed to apply thread tombstone: %w", err)
	}
	return nil
}

// MergeMessageSet replaces the thread's ordered message membership wholesale
// under LWW on the set timestamp. The thread row must already exist.
func (r *ThreadRepo) MergeMessageSet(ctx context.Context, p *oplog.ThreadMessagesPayload, opID string) error {
	if p.ThreadID == "" {
		return fmt.Errorf("%w: thread.messages without thread_id", common.ErrCorruptOp)
	}

	cur, err := r.Get(ctx, p.ThreadID)
	if errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("thread %s not applied yet: %w", p.ThreadID, common.ErrDependency)
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.ItemsUpdatedMs, incomingID: opID, rowWriteID: cur.ItemsWriteID}
	if !w.wins() {
		return nil
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM thread_messages WHERE thread_id = ?`, p.ThreadID); err != nil {
		return fmt.Errorf("failed to clear thread membership: %w", err)
	}
	for i, msgID := range p.MessageIDs {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO thread_messages (thread_id, message_id, position) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`,
			p.ThreadID, msgID, i)
		if err != nil {
			return fmt.Errorf("failed to insert thread membership: %w", err)
		}
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE threads SET items_updated_ms = ?, items_write_id = ? WHERE id = ?`,
		p.UpdatedAtMs, opID, p.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to record thread membership write: %w", err)
	}
	return nil
}

// MessageIDs returns the thread's membership in stored order.
func (r *ThreadRepo) MessageIDs(ctx context.Context, threadID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id FROM thread_messages WHERE thread_id = ? ORDER BY position`, threadID)
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
