package store

import (
	"context"
	"fmt"
	"time"

	"github.com/keepsake-app/keepsake/internal/dbx"
)

// PendingRepo tracks op_ids whose apply failed on an unsatisfied dependency.
// The envelopes themselves stay in the oplog; this table only drives the
// stabilization pass.
type PendingRepo struct {
	db dbx.DBTX
}

func NewPendingRepo(db dbx.DBTX) *PendingRepo {
	return &PendingRepo{db: db}
}

// PendingOp is one deferred apply.
type PendingOp struct {
	OpID        string
	Attempts    int64
	FirstSeenMs int64
}

// Add records a deferred op; re-adding an already pending op is a no-op.
func (r *PendingRepo) Add(ctx context.Context, opID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pending_ops (op_id, attempts, first_seen_ms) VALUES (?, 0, ?)
		ON CONFLICT(op_id) DO NOTHING`, opID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add pending op: %w", err)
	}
	return nil
}

// Remove drops an op from the pending set once it applied (or was given up on).
func (r *PendingRepo) Remove(ctx context.Context, opID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE op_id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to remove pending op: %w", err)
	}
	return nil
}

// BumpAttempts increments the retry counter for an op that stayed unresolved.
func (r *PendingRepo) BumpAttempts(ctx context.Context, opID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_ops SET attempts = attempts + 1 WHERE op_id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to bump pending attempts: %w", err)
	}
	return nil
}

// List returns the pending set ordered by first arrival.
func (r *PendingRepo) List(ctx context.Context) ([]PendingOp, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT op_id, attempts, first_seen_ms FROM pending_ops ORDER BY first_seen_ms, op_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending ops: %w", err)
	}
	defer rows.Close()

	var result []PendingOp
	for rows.Next() {
		var p PendingOp
		if err := rows.Scan(&p.OpID, &p.Attempts, &p.FirstSeenMs); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Count returns the size of the pending set.
func (r *PendingRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
