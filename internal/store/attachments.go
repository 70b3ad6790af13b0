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

// AttachmentRepo applies attachment metadata ops. Binary content lives in
// the BlobStore, addressed by SHA256; rows here only carry references.
type AttachmentRepo struct {
	db dbx.DBTX
}

func NewAttachmentRepo(db dbx.DBTX) *AttachmentRepo {
	return &AttachmentRepo{db: db}
}

func (r *AttachmentRepo) Get(ctx context.Context, id string) (*Attachment, error) {
	var (
		a    Attachment
		mime sql.NullString
	)
	query := `SELECT id, message_id, sha256, byte_len, mime, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id
			FROM attachments WHERE id = ?`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.MessageID, &a.SHA256, &a.ByteLen, &mime, &a.CreatedAtMs, &a.UpdatedAtMs, &a.DeletedAtMs, &a.LastWriteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Mime = textVal(mime)
	return &a, nil
}

// ListByMessage returns live attachments of one message.
func (r *AttachmentRepo) ListByMessage(ctx context.Context, messageID string) ([]Attachment, error) {
	query := `SELECT id, message_id, sha256, byte_len, mime, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id
			FROM attachments
			WHERE message_id = ? AND (deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms)
			ORDER BY created_at_ms, id`
	rows, err := r.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to select attachments: %w", err)
	}
	defer rows.Close()
	return collectAttachments(rows)
}

// ListLive returns every live attachment, used by blob sync to decide what
// to upload or fetch.
func (r *AttachmentRepo) ListLive(ctx context.Context) ([]Attachment, error) {
	query := `SELECT id, message_id, sha256, byte_len, mime, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id
			FROM attachments
			WHERE deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms
			ORDER BY created_at_ms, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select attachments: %w", err)
	}
	defer rows.Close()
	return collectAttachments(rows)
}

func collectAttachments(rows *sql.Rows) ([]Attachment, error) {
	var result []Attachment
	for rows.Next() {
		var (
			a    Attachment
			mime sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.SHA256, &a.ByteLen, &mime, &a.CreatedAtMs, &a.UpdatedAtMs, &a.DeletedAtMs, &a.LastWriteID); err != nil {
			return nil, err
		}
		a.Mime = textVal(mime)
		result = append(result, a)
	}
	return result, rows.Err()
}

// MergeAdd applies an attachment.add payload. The referenced message must
// already exist.
func (r *AttachmentRepo) MergeAdd(ctx context.Context, p *oplog.AttachmentPayload, opID string) error {
	if p.ID == "" || p.SHA256 == "" {
		return fmt.Errorf("%w: attachment.add missing id or sha256", common.ErrCorruptOp)
	}

	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, p.MessageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s not applied yet: %w", p.MessageID, common.ErrDependency)
	}
	if err != nil {
		return err
	}

	cur, err := r.Get(ctx, p.ID)
	if errors.Is(err, common.ErrNotFound) {
		created := p.CreatedAtMs
		if created == 0 {
			created = p.UpdatedAtMs
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO attachments (id, message_id, sha256, byte_len, mime, created_at_ms, updated_at_ms, deleted_at_ms, last_write_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			p.ID, p.MessageID, p.SHA256, p.ByteLen, p.Mime, created, p.UpdatedAtMs, opID)
		if err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	w := lww{incomingTs: p.UpdatedAtMs, rowTs: cur.UpdatedAtMs, incomingID: opID, rowWriteID: cur.LastWriteID}
	if !w.wins() {
		return nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE attachments SET message_id = ?, sha256 = ?, byte_len = ?, mime = ?, updated_at_ms = ?, last_write_id = ?
		WHERE id = ?`,
		p.MessageID, p.SHA256, p.ByteLen, p.Mime, maxMs(cur.UpdatedAtMs, p.UpdatedAtMs), opID, p.ID)
	if err != nil {
		return fmt.Errorf("failed to merge attachment: %w", err)
	}
	return nil
}

// MergeDelete applies an attachment.delete tombstone.
func (r *AttachmentRepo) MergeDelete(ctx context.Context, p *oplog.DeletePayload, opID string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: attachment.delete without id", common.ErrCorruptOp)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO attachments (id, message_id, sha256, deleted_at_ms, last_write_id) VALUES (?, '', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at_ms = MAX(deleted_at_ms, excluded.deleted_at_ms)`,
		p.ID, p.SHA256, p.DeletedAtMs, opID)
	if err != nil {
		return fmt.Errorf("failed to apply attachment tombstone: %w", err)
	}
	return nil
}

// HashReferenced reports whether any live attachment still references the
// given content hash. Blob deletion is safe only when nothing does.
func (r *AttachmentRepo) HashReferenced(ctx context.Context, sha string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM attachments WHERE sha256 = ? AND (deleted_at_ms = 0 OR updated_at_ms > deleted_at_ms) LIMIT 1`,
		sha).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
