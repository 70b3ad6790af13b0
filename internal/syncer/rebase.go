package syncer

import (
	"context"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/dbx"
	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/keepsake-app/keepsake/internal/vault"
)

// rebase repairs the local outbox after a vault 409 so the next push attempt
// lines up with the server's view of this device's stream. All rewrites and
// the cursor update happen in one transaction.
//
// Seq conflicts mean the server holds ops this device does not remember
// pushing, typically after a restore from backup: unpushed ops shift up so
// the stream resumes at the server's expected next seq. If the server is
// instead behind the cursor, the cursor rewinds and the stored rows re-push
// as they are. An op_id conflict means one queued op already reached the
// server; the local copy is dropped and later seqs close the gap.
func (s *Syncer) rebase(ctx context.Context, cur *Cursors, ce *vault.ConflictError) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := oplog.NewRepository(tx)
		pending, err := repo.Range(ctx, s.deviceID, cur.LastPushed, 0)
		if err != nil {
			return err
		}

		switch {
		case ce.ConflictKind == vault.ConflictKindOpID && ce.OpID != "":
			return s.dropDuplicate(ctx, repo, pending, ce.OpID)

		case ce.ExpectedNextSeq > 0:
			expected := ce.ExpectedNextSeq
			if expected <= cur.LastPushed {
				// Server never saw rows the cursor claims pushed; rewind and
				// let the stored rows go out again unchanged.
				cur.LastPushed = expected - 1
				return cur.SavePushed(ctx, tx, s.deviceID)
			}
			if len(pending) > 0 {
				if err := s.renumber(ctx, repo, pending, expected); err != nil {
					return err
				}
			}
			cur.LastPushed = expected - 1
			return cur.SavePushed(ctx, tx, s.deviceID)

		default:
			return fmt.Errorf("unrepairable push conflict: %w", ce)
		}
	})
}

// renumber shifts the unpushed rows so the first lands at firstSeq,
// preserving relative order. Rows are rewritten from the highest seq down so
// the per-device unique index never sees a transient collision.
func (s *Syncer) renumber(ctx context.Context, repo *oplog.Repository, pending []oplog.Row, firstSeq int64) error {
	delta := firstSeq - pending[0].Seq
	if delta <= 0 {
		return nil
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if err := s.resealAt(ctx, repo, &pending[i], pending[i].Seq+delta); err != nil {
			return err
		}
	}
	return nil
}

// dropDuplicate removes the queued op the server already holds and shifts
// every later seq down by one, ascending so rewrites never collide.
func (s *Syncer) dropDuplicate(ctx context.Context, repo *oplog.Repository, pending []oplog.Row, opID string) error {
	idx := -1
	for i := range pending {
		if pending[i].OpID == opID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("unrepairable push conflict: op %s not in local outbox", opID)
	}
	if err := repo.Delete(ctx, opID); err != nil {
		return err
	}
	for i := idx + 1; i < len(pending); i++ {
		if err := s.resealAt(ctx, repo, &pending[i], pending[i].Seq-1); err != nil {
			return err
		}
	}
	return nil
}

// resealAt rewrites one row at a new seq. The envelope carries its seq, so
// the body must be rebuilt and resealed, not just the column updated.
func (s *Syncer) resealAt(ctx context.Context, repo *oplog.Repository, row *oplog.Row, newSeq int64) error {
	env, err := oplog.OpenRow(s.localBox, row)
	if err != nil {
		return err
	}
	env.Seq = newSeq
	sealed, err := oplog.SealEnvelope(s.localBox, env)
	if err != nil {
		return err
	}
	return repo.UpdateSeq(ctx, row.OpID, newSeq, sealed)
}
