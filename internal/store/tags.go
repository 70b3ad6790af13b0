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

// TagRepo applies tag ops and serves reads.
type TagRepo struct {
	db dbx.DBTX
}

func NewTagRepo(db dbx.DBTX) *TagRepo {
	return &TagRepo{db: db}
}

func (r *TagRepo) Get(ctx context.Context, id string) (*Tag, error) {
	var (
		t           Tag
		name, color sql.NullString
	)
	query := `SELECT id, name, color, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id FROM tags WHERE id = ?`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &name, &color, &t.CreatedAtMs, &t.UpdatedAtMs, &t.DeletedAtMs, &t.LastWriteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Name = textVal(name)
	t.Color = textVal(color)
	return &t, nil
}

// List returns live tags ordered by name.
func (r *TagRepo) List(ctx context.Context) ([]Tag, error) {
	query := `SELECT id, name, color, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id FROM tags
			WHERE deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms
			ORDER BY name, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select tags: %w", err)
	}
	defer rows.Close()

	var result []Tag
	for rows.Next() {
		var (
			t           Tag
			name, color sql.NullString
		)
		if err := rows.Scan(&t.ID, &name, &color, &t.CreatedAtMs, &t.UpdatedAtMs, &t.DeletedAtMs, &t.LastWriteID); err != nil {
			return nil, err
		}
		t.Name = textVal(name)
		t.Color = textVal(color)
		result = append(result, t)
	}
	return result, rows.Err()
}

// MergeUpsert applies a tag.upsert payload with per-field LWW.
func (r *TagRepo) MergeUpsert(ctx context.Context, p *oplog.TagPayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: tag.upsert without id", common.ErrCorruptOp)
	}

	cur, err := r.Get(ctx, p.ID)
	if errors.Is(err, common.ErrNotFound) {
		created := p.CreatedAtMs
		if created == 0 {
			created = p.UpdatedAtMs
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO tags (id, name, color, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			p.ID, textArg(p.Name), textArg(p.Color), created, p.UpdatedAtMs, opID)
		if err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.UpdatedAtMs, incomingID: opID, rowWriteID: cur.LastWriteID}
	wins := w.wins()

	cur.Name = mergeText(cur.Name, p.Name, wins)
	cur.Color = mergeText(cur.Color, p.Color, wins)
	if p.CreatedAtMs != 0 && cur.CreatedAtMs == 0 {
		cur.CreatedAtMs = p.CreatedAtMs
	}
	cur.UpdatedAtMs = maxMs(cur.UpdatedAtMs, p.UpdatedAtMs)
	if wins {
		cur.LastWriteID = opID
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE tags SET name = ?, color = ?, created_at_ms = ?, updated_at_ms = ?, last_write_id = ? WHERE id = ?`,
		textArg(cur.Name), textArg(cur.Color), cur.CreatedAtMs, cur.UpdatedAtMs, cur.LastWriteID, cur.ID)
	if err != nil {
		return fmt.Errorf("failed to merge tag: %w", err)
	}
	return nil
}

// MergeDelete applies a tag.delete tombstone.
func (r *TagRepo) MergeDelete(ctx context.Context, p *oplog.DeletePayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: tag.delete without id", common.ErrCorruptOp)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tags (id, deleted_at_ms, last_write_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at_ms = MAX(deleted_at_ms, excluded.deleted_at_ms)`,
		p.ID, p.DeletedAtMs, opID)
	if err != nil {
		return fmt.Errorf("failed to apply tag tombstone: %w", err)
	}
	return nil
}
