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

// TodoRepo applies todo ops and serves reads. Recurrence computation lives
// outside the sync engine; here a todo is just a mergeable row.
type TodoRepo struct {
	db dbx.DBTX
}

func NewTodoRepo(db dbx.DBTX) *TodoRepo {
	return &TodoRepo{db: db}
}

func (r *TodoRepo) Get(ctx context.Context, id string) (*Todo, error) {
	var (
		t            Todo
		title, notes sql.NullString
		due, done    sql.NullInt64
	)
	query := `SELECT id, title, notes, due_at_ms, done_at_ms, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id
			FROM todos WHERE id = ?`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &title, &notes, &due, &done, &t.CreatedAtMs, &t.UpdatedAtMs, &t.DeletedAtMs, &t.LastWriteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Title = textVal(title)
	t.Notes = textVal(notes)
	t.DueAtMs = intVal(due)
	t.DoneAtMs = intVal(done)
	return &t, nil
}

// List returns live todos ordered by due time, then creation.
func (r *TodoRepo) List(ctx context.Context) ([]Todo, error) {
	query := `SELECT id, title, notes, due_at_ms, done_at_ms, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id
			FROM todos
			WHERE deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms
			ORDER BY COALESCE(due_at_ms, 0), created_at_ms, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select todos: %w", err)
	}
	defer rows.Close()

	var result []Todo
	for rows.Next() {
		var (
			t            Todo
			title, notes sql.NullString
			due, done    sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &title, &notes, &due, &done, &t.CreatedAtMs, &t.UpdatedAtMs, &t.DeletedAtMs, &t.LastWriteID); err != nil {
			return nil, err
		}
		t.Title = textVal(title)
		t.Notes = textVal(notes)
		t.DueAtMs = intVal(due)
		t.DoneAtMs = intVal(done)
		result = append(result, t)
	}
	return result, rows.Err()
}

// MergeUpsert applies a todo.upsert payload with per-field LWW.
func (r *TodoRepo) MergeUpsert(ctx context.Context, p *oplog.TodoPayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: todo.upsert without id", common.ErrCorruptOp)
	}

	cur, err := r.Get(ctx, p.ID)
	if errors.Is(err, common.ErrNotFound) {
		created := p.CreatedAtMs
		if created == 0 {
			created = p.UpdatedAtMs
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO todos (id, title, notes, due_at_ms, done_at_ms, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			p.ID, textArg(p.Title), textArg(p.Notes), intArg(p.DueAtMs), intArg(p.DoneAtMs), created, p.UpdatedAtMs, opID)
		if err != nil {
			return fmt.Errorf("failed to insert todo: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.UpdatedAtMs, incomingID: opID, rowWriteID: cur.LastWriteID}
	wins := w.wins()

	cur.Title = mergeText(cur.Title, p.Title, wins)
	cur.Notes = mergeText(cur.Notes, p.Notes, wins)
	cur.DueAtMs = mergeInt(cur.DueAtMs, p.DueAtMs, wins)
	cur.DoneAtMs = mergeInt(cur.DoneAtMs, p.DoneAtMs, wins)
	if p.CreatedAtMs != 0 && cur.CreatedAtMs == 0 {
		cur.CreatedAtMs = p.CreatedAtMs
	}
	cur.UpdatedAtMs = maxMs(cur.UpdatedAtMs, p.UpdatedAtMs)
	if wins {
		cur.LastWriteID = opID
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE todos SET title = ?, notes = ?, due_at_ms = ?, done_at_ms = ?, created_at_ms = ?, updated_at_ms = ?, last_write_id = ?
		WHERE id = ?`,
		textArg(cur.Title), textArg(cur.Notes), intArg(cur.DueAtMs), intArg(cur.DoneAtMs),
		cur.CreatedAtMs, cur.UpdatedAtMs, cur.LastWriteID, cur.ID)
	if err != nil {
		return fmt.Errorf("failed to merge todo: %w", err)
	}
	return nil
}

// MergeDelete applies a todo.delete tombstone.
func (r *TodoRepo) MergeDelete(ctx context.Context, p *oplog.DeletePayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: todo.delete without id", common.ErrCorruptOp)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO todos (id, deleted_at_ms, last_write_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at_ms = MAX(deleted_at_ms, excluded.deleted_at_ms)`,
		p.ID, p.DeletedAtMs, opID)
	if err != nil {
		return fmt.Errorf("failed to apply todo tombstone: %w", err)
	}
	return nil
}
