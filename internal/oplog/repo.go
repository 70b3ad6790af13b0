package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/dbx"
)

// Row is one oplog entry as stored: plaintext addressing columns plus the
// envelope sealed under the local key (AAD bound to op_id).
type Row struct {
	OpID        string
	DeviceID    string
	Seq         int64
	OpJSON      []byte
	CreatedAtMs int64
}

// Repository persists operation envelopes. It works over a DBTX so appends
// can share a transaction with the entity mutation they describe.
type Repository struct {
	db dbx.DBTX
}

// NewRepository returns a Repository bound to the given DBTX.
func NewRepository(db dbx.DBTX) *Repository {
	return &Repository{db: db}
}

// Insert appends a sealed envelope. Fails if op_id already exists.
func (r *Repository) Insert(ctx context.Context, row *Row) error {
	query := `INSERT INTO oplog (op_id, device_id, seq, op_json, created_at_ms)
			VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		row.OpID, row.DeviceID, row.Seq, row.OpJSON, row.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to insert oplog row: %w", err)
	}
	return nil
}

// InsertIfAbsent appends a sealed envelope unless the op_id is already
// present. Returns true if a row was inserted. A duplicate op_id is the
// idempotency signal, never an error.
func (r *Repository) InsertIfAbsent(ctx context.Context, row *Row) (bool, error) {
	query := `INSERT INTO oplog (op_id, device_id, seq, op_json, created_at_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(op_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		row.OpID, row.DeviceID, row.Seq, row.OpJSON, row.CreatedAtMs)
	if err != nil {
		return false, fmt.Errorf("failed to insert oplog row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Contains reports whether an op_id has already been recorded.
func (r *Repository) Contains(ctx context.Context, opID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM oplog WHERE op_id = ?`, opID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NextSeq returns max(seq)+1 for the device. Must be called inside the same
// transaction as the subsequent Insert so concurrent writers cannot mint the
// same sequence number.
func (r *Repository) NextSeq(ctx context.Context, deviceID string) (int64, error) {
	var max int64
	query := `SELECT COALESCE(MAX(seq), 0) FROM oplog WHERE device_id = ?`
	if err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to compute next seq: %w", err)
	}
	return max + 1, nil
}

// MaxSeq returns the highest recorded seq for a device, 0 if none.
func (r *Repository) MaxSeq(ctx context.Context, deviceID string) (int64, error) {
	var max int64
	query := `SELECT COALESCE(MAX(seq), 0) FROM oplog WHERE device_id = ?`
	if err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

// Range returns rows for a device with seq > after, ordered by seq, at most
// limit rows (0 means no limit).
func (r *Repository) Range(ctx context.Context, deviceID string, after int64, limit int) ([]Row, error) {
	query := `SELECT op_id, device_id, seq, op_json, created_at_ms
			FROM oplog WHERE device_id = ? AND seq > ? ORDER BY seq`
	args := []any{deviceID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select oplog range: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.OpID, &row.DeviceID, &row.Seq, &row.OpJSON, &row.CreatedAtMs); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Get returns a single row by op_id.
func (r *Repository) Get(ctx context.Context, opID string) (*Row, error) {
	var row Row
	query := `SELECT op_id, device_id, seq, op_json, created_at_ms FROM oplog WHERE op_id = ?`
	err := r.db.QueryRowContext(ctx, query, opID).Scan(
		&row.OpID, &row.DeviceID, &row.Seq, &row.OpJSON, &row.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateSeq rewrites the seq and sealed body of one row. Only the rebase
// repair path (§ managed-vault conflicts) may call this; everywhere else the
// envelope is immutable.
func (r *Repository) UpdateSeq(ctx context.Context, opID string, newSeq int64, newOpJSON []byte) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE oplog SET seq = ?, op_json = ? WHERE op_id = ?`, newSeq, newOpJSON, opID)
	if err != nil {
		return fmt.Errorf("failed to update oplog seq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("update seq of %s: %w", opID, common.ErrNotFound)
	}
	return nil
}

// Delete removes a row by op_id. Only the op_id-conflict repair path may
// call this.
func (r *Repository) Delete(ctx context.Context, opID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM oplog WHERE op_id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to delete oplog row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("delete of %s: %w", opID, common.ErrNotFound)
	}
	return nil
}

// DeviceIDs returns the distinct device ids present in the log.
func (r *Repository) DeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM oplog ORDER BY device_id`)
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
