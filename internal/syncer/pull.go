package syncer

import (
	"context"
	"errors"
	"strings"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/dbx"
	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/keepsake-app/keepsake/internal/remote"
	"github.com/keepsake-app/keepsake/internal/vault"
)

// Pull fetches and applies peer ops from a file-backed remote under root.
// Device streams are walked by probing sequential (device, seq) paths past
// the since cursor; directory listings feed only the progress estimate,
// never the cursors, because some remotes serve them stale. Each page of
// ops applies in one transaction together with its cursor advance.
func (s *Syncer) Pull(ctx context.Context, rs remote.Store, root string) error {
	scope := ScopeID(rs.TargetID(), root)
	cur, err := LoadCursors(ctx, s.db, scope, s.deviceID)
	if err != nil {
		return err
	}

	prog := newProgressReporter(s.opts.Progress)
	prog.start(0)

	entries, err := rs.List(ctx, opsDir(root))
	if errors.Is(err, common.ErrNotFound) {
		prog.finish()
		return nil
	}
	if err != nil {
		return err
	}

	var devices []string
	for _, e := range entries {
		if !strings.HasSuffix(e, "/") {
			continue
		}
		dev := strings.TrimSuffix(e, "/")
		if dev == "" || dev == s.deviceID {
			continue
		}
		devices = append(devices, dev)
	}

	var total uint64
	for _, dev := range devices {
		names, err := rs.List(ctx, deviceDir(root, dev))
		if err != nil {
			continue
		}
		for _, n := range names {
			if seq, ok := seqFromName(n); ok && seq > cur.Since[dev] {
				total++
			}
		}
	}
	prog.setTotal(total)

	for _, dev := range devices {
		if err := s.pullDevice(ctx, rs, root, cur, dev, prog); err != nil {
			return err
		}
	}

	if err := s.fetchBlobs(ctx, scope, func(sha string) ([]byte, error) {
		return rs.Get(ctx, blobPath(root, sha))
	}); err != nil {
		return err
	}

	prog.finish()
	return nil
}

// pullDevice walks one peer's stream from the since cursor until the next
// sequential path is absent. Corrupt ops are skipped with a warning; the
// cursor still advances past them, they are never refetched.
func (s *Syncer) pullDevice(ctx context.Context, rs remote.Store, root string, cur *Cursors, dev string, prog *progressReporter) error {
	since := cur.Since[dev]
	for {
		var envs []*oplog.Envelope
		next := since
		end := false
		for len(envs) < s.opts.PullLimit {
			data, err := rs.Get(ctx, opPath(root, dev, next+1))
			if errors.Is(err, common.ErrNotFound) {
				end = true
				break
			}
			if err != nil {
				return err
			}
			next++
			env, err := decodeOpRecord(s.syncBox, data, dev, next)
			if err != nil {
				if errors.Is(err, common.ErrCorruptOp) {
					s.log.Warn(ctx, "skipping corrupt op", "device_id", dev, "seq", next, "err", err)
					continue
				}
				return err
			}
			envs = append(envs, env)
		}

		if next == since {
			return nil
		}

		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			for _, env := range envs {
				if err := s.ingestEnvelope(ctx, tx, env); err != nil {
					return err
				}
			}
			if err := s.stabilize(ctx, tx); err != nil {
				return err
			}
			cur.Since[dev] = next
			return cur.SaveSince(ctx, tx)
		})
		if err != nil {
			cur.Since[dev] = since
			return err
		}

		prog.add(uint64(next - since))
		since = next
		if end {
			return nil
		}
	}
}

// PullVault fetches and applies peer ops from the managed vault. The since
// map for every known peer goes up in one request; the server pages across
// devices and returns merged next cursors. When the server advertises
// per-device heads the total is reported before any ops apply.
func (s *Syncer) PullVault(ctx context.Context, vc *vault.Client) error {
	scope := ScopeID(vc.TargetID(), "")
	cur, err := LoadCursors(ctx, s.db, scope, s.deviceID)
	if err != nil {
		return err
	}

	prog := newProgressReporter(s.opts.Progress)
	prog.start(0)

	first := true
	for {
		res, err := vc.PullOps(ctx, s.deviceID, cur.Since, s.opts.PullLimit)
		if err != nil {
			return err
		}
		if first {
			first = false
			if len(res.Max) > 0 {
				var total uint64
				for dev, head := range res.Max {
					if dev == s.deviceID {
						continue
					}
					if d := head - cur.Since[dev]; d > 0 {
						total += uint64(d)
					}
				}
				prog.setTotal(total)
			}
		}

		err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			for _, op := range res.Ops {
				if op.DeviceID == s.deviceID {
					continue
				}
				env, err := openWireOp(s.syncBox, op.OpID, op.DeviceID, op.Seq, op.CiphertextB64, "", 0)
				if err != nil {
					if errors.Is(err, common.ErrCorruptOp) {
						s.log.Warn(ctx, "skipping corrupt op", "device_id", op.DeviceID, "seq", op.Seq, "err", err)
						continue
					}
					return err
				}
				if err := s.ingestEnvelope(ctx, tx, env); err != nil {
					return err
				}
			}
			if err := s.stabilize(ctx, tx); err != nil {
				return err
			}
			for dev, n := range res.Next {
				if n > cur.Since[dev] {
					cur.Since[dev] = n
				}
			}
			return cur.SaveSince(ctx, tx)
		})
		if err != nil {
			return err
		}

		prog.add(uint64(len(res.Ops)))
		if len(res.Ops) < s.opts.PullLimit {
			break
		}
	}

	if err := s.fetchBlobs(ctx, scope, func(sha string) ([]byte, error) {
		data, _, err := vc.GetAttachment(ctx, sha)
		return data, err
	}); err != nil {
		return err
	}

	prog.finish()
	return nil
}
