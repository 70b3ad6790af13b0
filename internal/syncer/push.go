package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/keepsake-app/keepsake/internal/remote"
	"github.com/keepsake-app/keepsake/internal/vault"
)

// Push replicates this device's unsent ops to a file-backed remote under
// root. Each op lands at its (device, seq) path, so re-running after a
// partial failure rewrites identical content and converges. The pushed
// cursor advances only after every op and blob of the run is uploaded, and
// the blob pass runs even when no ops are unsent, so content whose upload
// failed or whose bytes arrived after its metadata still goes out.
func (s *Syncer) Push(ctx context.Context, rs remote.Store, root string) error {
	scope := ScopeID(rs.TargetID(), root)
	cur, err := LoadCursors(ctx, s.db, scope, s.deviceID)
	if err != nil {
		return err
	}

	rows, err := oplog.NewRepository(s.db).Range(ctx, s.deviceID, cur.LastPushed, 0)
	if err != nil {
		return err
	}

	prog := newProgressReporter(s.opts.Progress)
	prog.start(uint64(len(rows)))

	envs := make([]*oplog.Envelope, 0, len(rows))
	for i := range rows {
		env, err := oplog.OpenRow(s.localBox, &rows[i])
		if err != nil {
			return err
		}
		envs = append(envs, env)
	}

	if len(envs) > 0 {
		if err := rs.MkdirAll(ctx, deviceDir(root, s.deviceID)); err != nil {
			return err
		}
		if err := s.uploadOps(ctx, rs, root, envs, prog); err != nil {
			return err
		}
	}

	plan, err := s.planBlobs(ctx, scope, envs)
	if err != nil {
		return err
	}
	if err := s.pushBlobsToFiles(ctx, rs, root, scope, plan); err != nil {
		return err
	}

	if len(envs) > 0 {
		cur.LastPushed = envs[len(envs)-1].Seq
		if err := cur.SavePushed(ctx, s.db, s.deviceID); err != nil {
			return err
		}
	}

	prog.finish()
	return nil
}

// uploadOps writes op records with bounded parallelism. When the remote
// signals a concurrency ceiling (423/429/503) the whole run downshifts to a
// serial pass with backed-off retries; parallelism is never raised again
// within the run.
func (s *Syncer) uploadOps(ctx context.Context, rs remote.Store, root string, envs []*oplog.Envelope, prog *progressReporter) error {
	recs := make([][]byte, len(envs))
	for i, env := range envs {
		data, err := encodeOpRecord(s.syncBox, env)
		if err != nil {
			return err
		}
		recs[i] = data
	}

	if s.opts.Parallel > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Parallel)
		for i, env := range envs {
			g.Go(func() error {
				return rs.Put(gctx, opPath(root, env.DeviceID, env.Seq), recs[i])
			})
		}
		err := g.Wait()
		if err == nil {
			prog.add(uint64(len(envs)))
			return nil
		}
		if !errors.Is(err, common.ErrBusy) {
			return err
		}
		s.log.Warn(ctx, "remote refused concurrent uploads, falling back to serial", "err", err)
	}

	// Serial path. Re-putting an op already uploaded by the parallel attempt
	// is harmless since the content is identical.
	for i, env := range envs {
		backoff := retry.WithMaxRetries(4, retry.NewExponential(200*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			err := rs.Put(ctx, opPath(root, env.DeviceID, env.Seq), recs[i])
			if errors.Is(err, common.ErrBusy) {
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to upload op %s: %w", env.OpID, err)
		}
		prog.add(1)
	}
	return nil
}

// sealWireOp re-seals a locally stored envelope under the sync key at its
// stream position for the vault RPC.
func (s *Syncer) sealWireOp(env *oplog.Envelope) (vault.WireOp, error) {
	plain, err := env.Encode()
	if err != nil {
		return vault.WireOp{}, err
	}
	sealed, err := s.syncBox.Seal(plain, SyncOpAAD(env.DeviceID, env.Seq))
	if err != nil {
		return vault.WireOp{}, fmt.Errorf("failed to seal op %s: %w", env.OpID, err)
	}
	return vault.WireOp{
		DeviceID:      env.DeviceID,
		Seq:           env.Seq,
		OpID:          env.OpID,
		CiphertextB64: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// PushVault replicates this device's unsent ops to the managed vault in
// batches. A structured 409 triggers a local rebase and a retry from the
// repaired cursor; the repair loop is bounded, and exceeding the bound
// surfaces the conflict that could not be repaired. Attachment content goes
// out after the op stream and is tracked by confirmation marks, so a blob
// whose upload failed is offered again on the next push even though its
// metadata op is already past the cursor.
func (s *Syncer) PushVault(ctx context.Context, vc *vault.Client) error {
	scope := ScopeID(vc.TargetID(), "")
	cur, err := LoadCursors(ctx, s.db, scope, s.deviceID)
	if err != nil {
		return err
	}

	prog := newProgressReporter(s.opts.Progress)
	prog.start(0)

	repo := oplog.NewRepository(s.db)
	repairs := 0
	var pushed []*oplog.Envelope
	for {
		rows, err := repo.Range(ctx, s.deviceID, cur.LastPushed, 0)
		if err != nil {
			return err
		}
		prog.setTotal(prog.done + uint64(len(rows)))
		if len(rows) == 0 {
			break
		}

		envs := make([]*oplog.Envelope, 0, len(rows))
		for i := range rows {
			env, err := oplog.OpenRow(s.localBox, &rows[i])
			if err != nil {
				return err
			}
			envs = append(envs, env)
		}

		sent, conflict, err := s.pushVaultBatches(ctx, vc, cur, envs, prog)
		pushed = append(pushed, sent...)
		if err != nil {
			return err
		}
		if conflict == nil {
			break
		}

		repairs++
		if repairs > s.opts.MaxRepairAttempts {
			return conflict
		}
		s.log.Info(ctx, "push rejected, rebasing local ops",
			"kind", conflict.Kind, "expected_next_seq", conflict.ExpectedNextSeq, "attempt", repairs)
		if err := s.rebase(ctx, cur, conflict); err != nil {
			return err
		}
	}

	plan, err := s.planBlobs(ctx, scope, pushed)
	if err != nil {
		return err
	}
	if err := s.pushBlobsToVault(ctx, vc, scope, plan); err != nil {
		return err
	}

	prog.finish()
	return nil
}

// pushVaultBatches sends envs in BatchSize slices, advancing the pushed
// cursor after each accepted batch. A conflict stops the run and is returned
// for repair; everything accepted so far stays accepted.
func (s *Syncer) pushVaultBatches(ctx context.Context, vc *vault.Client, cur *Cursors, envs []*oplog.Envelope, prog *progressReporter) ([]*oplog.Envelope, *vault.ConflictError, error) {
	var sent []*oplog.Envelope
	for start := 0; start < len(envs); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(envs))
		batch := envs[start:end]

		ops := make([]vault.WireOp, 0, len(batch))
		for _, env := range batch {
			op, err := s.sealWireOp(env)
			if err != nil {
				return sent, nil, err
			}
			ops = append(ops, op)
		}

		_, err := vc.PushOps(ctx, s.deviceID, ops)
		var ce *vault.ConflictError
		if errors.As(err, &ce) {
			return sent, ce, nil
		}
		if err != nil {
			return sent, nil, err
		}

		cur.LastPushed = batch[len(batch)-1].Seq
		if err := cur.SavePushed(ctx, s.db, s.deviceID); err != nil {
			return sent, nil, err
		}
		sent = append(sent, batch...)
		prog.add(uint64(len(batch)))
	}
	return sent, nil, nil
}
