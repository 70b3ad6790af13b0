package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/oplog"
	"github.com/keepsake-app/keepsake/internal/remote"
	"github.com/keepsake-app/keepsake/internal/store"
	"github.com/keepsake-app/keepsake/internal/vault"
)

type blobUpload struct {
	sha  string
	meta blobMeta
}

// blobPlan is what one push run does to remote attachment content.
type blobPlan struct {
	uploads []blobUpload
	deletes []string
}

// planBlobs decides the attachment content work for a push against scope.
// Uploads come from the live attachment rows, not the outgoing batch: any
// hash with bytes on this device and no confirmation mark is a candidate, so
// an upload that failed or was skipped in an earlier run is retried until it
// lands. A hash added and tombstoned in the same session is never live and
// never uploads, but its delete still propagates so peers that saw an
// earlier upload converge.
func (s *Syncer) planBlobs(ctx context.Context, scope string, envs []*oplog.Envelope) (*blobPlan, error) {
	if s.blobs == nil {
		return &blobPlan{}, nil
	}

	live, err := store.NewAttachmentRepo(s.db).ListLive(ctx)
	if err != nil {
		return nil, err
	}
	marks, err := blobMarks(ctx, s.db, scope)
	if err != nil {
		return nil, err
	}

	plan := &blobPlan{}
	liveSet := map[string]bool{}
	for _, a := range live {
		sha := a.SHA256
		if sha == "" || liveSet[sha] {
			continue
		}
		liveSet[sha] = true
		if marks[sha] {
			continue
		}
		mime := ""
		if a.Mime != nil {
			mime = *a.Mime
		}
		plan.uploads = append(plan.uploads, blobUpload{
			sha:  sha,
			meta: blobMeta{ByteLen: a.ByteLen, Mime: mime, CreatedAtMs: a.CreatedAtMs},
		})
	}

	// Deletes: hashes tombstoned in this batch, plus marked hashes no row
	// references anymore (a delete that failed after its batch was accepted).
	// A hash still referenced by another live attachment stays put.
	doomed := map[string]bool{}
	for _, env := range envs {
		if env.Type != oplog.TypeAttachmentDelete {
			continue
		}
		var p oplog.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.SHA256 == "" || liveSet[p.SHA256] || doomed[p.SHA256] {
			continue
		}
		doomed[p.SHA256] = true
		plan.deletes = append(plan.deletes, p.SHA256)
	}
	for sha := range marks {
		if liveSet[sha] || doomed[sha] {
			continue
		}
		doomed[sha] = true
		plan.deletes = append(plan.deletes, sha)
	}
	return plan, nil
}

// sealBlob loads local plaintext for a hash and seals it for transport.
func (s *Syncer) sealBlob(sha string) ([]byte, error) {
	plain, err := s.blobs.Get(sha)
	if err != nil {
		return nil, err
	}
	sealed, err := s.syncBox.Seal(plain, SyncBlobAAD(sha))
	if err != nil {
		return nil, fmt.Errorf("failed to seal blob %s: %w", sha, err)
	}
	return sealed, nil
}

// pushBlobsToFiles executes a blob plan against a file-backed remote. Bytes
// missing locally are skipped without error and without a mark; a later push
// retries once the content shows up. Each upload is marked confirmed only
// after both the blob and its sidecar land, each delete clears its mark only
// after the remote acknowledged it.
func (s *Syncer) pushBlobsToFiles(ctx context.Context, rs remote.Store, root, scope string, plan *blobPlan) error {
	if s.blobs == nil || (len(plan.uploads) == 0 && len(plan.deletes) == 0) {
		return nil
	}
	wrote := false
	for _, up := range plan.uploads {
		if !s.blobs.Has(up.sha) {
			s.log.Debug(ctx, "attachment bytes not present locally, skipping upload", "sha256", up.sha)
			continue
		}
		sealed, err := s.sealBlob(up.sha)
		if err != nil {
			return err
		}
		if !wrote {
			if err := rs.MkdirAll(ctx, attachmentsDir(root)); err != nil {
				return err
			}
			wrote = true
		}
		if err := rs.Put(ctx, blobPath(root, up.sha), sealed); err != nil {
			return fmt.Errorf("failed to upload blob %s: %w", up.sha, err)
		}
		metaJSON, err := json.Marshal(up.meta)
		if err != nil {
			return err
		}
		if err := rs.Put(ctx, blobMetaPath(root, up.sha), metaJSON); err != nil {
			return fmt.Errorf("failed to upload blob meta %s: %w", up.sha, err)
		}
		if err := markBlob(ctx, s.db, scope, up.sha); err != nil {
			return err
		}
	}
	for _, sha := range plan.deletes {
		if err := rs.Delete(ctx, blobPath(root, sha)); err != nil && !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("failed to delete blob %s: %w", sha, err)
		}
		if err := rs.Delete(ctx, blobMetaPath(root, sha)); err != nil && !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("failed to delete blob meta %s: %w", sha, err)
		}
		if err := unmarkBlob(ctx, s.db, scope, sha); err != nil {
			return err
		}
	}
	return nil
}

// pushBlobsToVault executes a blob plan against the managed vault, with the
// same mark discipline as the file path.
func (s *Syncer) pushBlobsToVault(ctx context.Context, vc *vault.Client, scope string, plan *blobPlan) error {
	if s.blobs == nil {
		return nil
	}
	for _, up := range plan.uploads {
		if !s.blobs.Has(up.sha) {
			s.log.Debug(ctx, "attachment bytes not present locally, skipping upload", "sha256", up.sha)
			continue
		}
		sealed, err := s.sealBlob(up.sha)
		if err != nil {
			return err
		}
		meta := vault.AttachmentMeta{ByteLen: up.meta.ByteLen, Mime: up.meta.Mime, CreatedAtMs: up.meta.CreatedAtMs}
		if err := vc.PutAttachment(ctx, up.sha, sealed, meta); err != nil {
			return err
		}
		if err := markBlob(ctx, s.db, scope, up.sha); err != nil {
			return err
		}
	}
	for _, sha := range plan.deletes {
		if err := vc.DeleteAttachment(ctx, sha); err != nil {
			return err
		}
		if err := unmarkBlob(ctx, s.db, scope, sha); err != nil {
			return err
		}
	}
	return nil
}

// fetchBlobs downloads content for every live attachment whose bytes are not
// on this device yet. Content absent from the remote is tolerated (the owner
// may not have uploaded it); content that does not hash to its address is
// fatal. A successful fetch marks the hash confirmed for scope, so the next
// push does not offer the remote its own bytes back.
func (s *Syncer) fetchBlobs(ctx context.Context, scope string, get func(sha string) ([]byte, error)) error {
	if s.blobs == nil {
		return nil
	}
	live, err := store.NewAttachmentRepo(s.db).ListLive(ctx)
	if err != nil {
		return err
	}
	fetched := map[string]bool{}
	for _, a := range live {
		sha := a.SHA256
		if sha == "" || fetched[sha] || s.blobs.Has(sha) {
			continue
		}
		fetched[sha] = true

		sealed, err := get(sha)
		if errors.Is(err, common.ErrNotFound) {
			s.log.Debug(ctx, "attachment bytes not on remote yet", "sha256", sha)
			continue
		}
		if err != nil {
			return err
		}
		plain, err := s.syncBox.Open(sealed, SyncBlobAAD(sha))
		if err != nil {
			return fmt.Errorf("failed to open blob %s: %w", sha, err)
		}
		if err := s.blobs.PutVerified(plain, sha); err != nil {
			return err
		}
		if err := markBlob(ctx, s.db, scope, sha); err != nil {
			return err
		}
	}
	return nil
}
