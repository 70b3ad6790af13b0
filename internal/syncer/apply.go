package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/dbx"
	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/keepsake-app/keepsake/internal/store"
)

// applyEnvelope dispatches one decoded operation to its merge function.
// Contract: idempotent, order-tolerant, last-write-wins. Errors split into
// structural violations (ErrCorruptOp, fatal for the op), referential ones
// (ErrDependency, deferred to the pending set), and real failures.
func applyEnvelope(ctx context.Context, tx dbx.DBTX, env *oplog.Envelope) error {
	switch env.Type {

	case oplog.TypeConversationUpsert:
		var p oplog.ConversationPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewConversationRepo(tx).MergeUpsert(ctx, &p, env.OpID)

	case oplog.TypeConversationDelete:
		var p oplog.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewConversationRepo(tx).MergeDelete(ctx, &p, env.OpID)

	case oplog.TypeMessageInsert, oplog.TypeMessageUpdate:
		var p oplog.MessagePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		// A message must never be blocked by a conversation that has not
		// arrived yet: materialize a placeholder the real upsert enriches.
		if p.ConversationID != "" {
			if err := store.NewConversationRepo(tx).EnsurePlaceholder(ctx, p.ConversationID, env.TsMs); err != nil {
				return err
			}
		}
		return store.NewMessageRepo(tx).MergeUpsert(ctx, &p, env.OpID)

	case oplog.TypeMessageDelete:
		var p oplog.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewMessageRepo(tx).MergeDelete(ctx, &p, env.OpID)

	case oplog.TypeMessageTags:
		var p oplog.MessageTagsPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewMessageRepo(tx).MergeTagSet(ctx, &p, env.OpID)

	case oplog.TypeTagUpsert:
		var p oplog.TagPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewTagRepo(tx).MergeUpsert(ctx, &p, env.OpID)

	case oplog.TypeTagDelete:
		var p oplog.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewTagRepo(tx).MergeDelete(ctx, &p, env.OpID)

	case oplog.TypeThreadUpsert:
		var p oplog.ThreadPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewThreadRepo(tx).MergeUpsert(ctx, &p, env.OpID)

	case oplog.TypeThreadDelete:
		var p oplog.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewThreadRepo(tx).MergeDelete(ctx, &p, env.OpID)

	case oplog.TypeThreadMessages:
		var p oplog.ThreadMessagesPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewThreadRepo(tx).MergeMessageSet(ctx, &p, env.OpID)

	case oplog.TypeTodoUpsert:
		var p oplog.TodoPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewTodoRepo(tx).MergeUpsert(ctx, &p, env.OpID)

	case oplog.TypeTodoDelete:
		var p oplog.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewTodoRepo(tx).MergeDelete(ctx, &p, env.OpID)

	case oplog.TypeAttachmentAdd:
		var p oplog.AttachmentPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewAttachmentRepo(tx).MergeAdd(ctx, &p, env.OpID)

	case oplog.TypeAttachmentDelete:
		var p oplog.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return store.NewAttachmentRepo(tx).MergeDelete(ctx, &p, env.OpID)

	default:
		return fmt.Errorf("%w: unknown op type %q", common.ErrCorruptOp, env.Type)
	}
}

// ingestEnvelope records a pulled envelope in the local oplog (idempotency
// ledger) and applies it. A duplicate op_id is a silent no-op. Dependency
// failures park the op in the pending set instead of failing the page.
func (s *Syncer) ingestEnvelope(ctx context.Context, tx dbx.DBTX, env *oplog.Envelope) error {
	sealed, err := oplog.SealEnvelope(s.localBox, env)
	if err != nil {
		return err
	}
	inserted, err := oplog.NewRepository(tx).InsertIfAbsent(ctx, &oplog.Row{
		OpID:        env.OpID,
		DeviceID:    env.DeviceID,
		Seq:         env.Seq,
		OpJSON:      sealed,
		CreatedAtMs: env.TsMs,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	err = applyEnvelope(ctx, tx, env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrDependency):
		s.log.Debug(ctx, "op deferred on dependency", "op_id", env.OpID, "type", env.Type)
		return store.NewPendingRepo(tx).Add(ctx, env.OpID)
	case errors.Is(err, common.ErrCorruptOp):
		s.log.Warn(ctx, "skipping structurally invalid op", "op_id", env.OpID, "type", env.Type, "err", err)
		return nil
	default:
		return err
	}
}

// stabilize drains the pending set as far as it will go: each full sweep
// re-applies every deferred op, and sweeps repeat until one makes no
// progress. Ops past the configured attempt bound are dropped with a
// warning; with no bound they wait for a future pull.
func (s *Syncer) stabilize(ctx context.Context, tx dbx.DBTX) error {
	pend := store.NewPendingRepo(tx)
	logRepo := oplog.NewRepository(tx)

	for {
		items, err := pend.List(ctx)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		progressed := false
		for _, it := range items {
			row, err := logRepo.Get(ctx, it.OpID)
			if errors.Is(err, common.ErrNotFound) {
				if err := pend.Remove(ctx, it.OpID); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			env, err := oplog.OpenRow(s.localBox, row)
			if err != nil {
				s.log.Warn(ctx, "dropping unreadable pending op", "op_id", it.OpID, "err", err)
				if err := pend.Remove(ctx, it.OpID); err != nil {
					return err
				}
				continue
			}

			err = applyEnvelope(ctx, tx, env)
			switch {
			case err == nil:
				if err := pend.Remove(ctx, it.OpID); err != nil {
					return err
				}
				progressed = true
			case errors.Is(err, common.ErrDependency):
				if s.opts.MaxPendingAttempts > 0 && it.Attempts+1 >= s.opts.MaxPendingAttempts {
					s.log.Warn(ctx, "giving up on pending op", "op_id", it.OpID, "attempts", it.Attempts+1)
					if err := pend.Remove(ctx, it.OpID); err != nil {
						return err
					}
					continue
				}
				if err := pend.BumpAttempts(ctx, it.OpID); err != nil {
					return err
				}
			case errors.Is(err, common.ErrCorruptOp):
				s.log.Warn(ctx, "dropping structurally invalid pending op", "op_id", it.OpID, "err", err)
				if err := pend.Remove(ctx, it.OpID); err != nil {
					return err
				}
			default:
				return err
			}
		}
		if !progressed {
			return nil
		}
	}
}
