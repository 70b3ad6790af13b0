package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/dbx"
	"github.com/keepsake-app/keepsake/internal/store"
)

// ScopeID derives the cursor namespace for one (remote target, root path)
// pair. Different roots on the same server are independent sync scopes.
func ScopeID(targetID, root string) string {
	sum := sha256.Sum256([]byte(targetID + "|" + root))
	return hex.EncodeToString(sum[:8])
}

// Cursors is the persisted replication state of one scope: the per-peer
// since map driving pull and the last pushed seq driving push. Cursors never
// regress except through an explicit rebase.
type Cursors struct {
	Scope      string
	Since      map[string]int64
	LastPushed int64
}

func sinceKey(scope string) string { return "sync." + scope + ".since" }
func pushedKey(scope, deviceID string) string {
	return "sync." + scope + ".pushed." + deviceID
}
func blobMarkKey(scope, sha string) string {
	return "sync." + scope + ".blob." + sha
}

// blobMarks lists the hashes whose content is confirmed present on the
// scope's remote, either uploaded by this device or fetched from it.
func blobMarks(ctx context.Context, q dbx.DBTX, scope string) (map[string]bool, error) {
	prefix := blobMarkKey(scope, "")
	keys, err := store.NewKVRepo(q).ListPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	marks := make(map[string]bool, len(keys))
	for _, k := range keys {
		marks[k[len(prefix):]] = true
	}
	return marks, nil
}

func markBlob(ctx context.Context, q dbx.DBTX, scope, sha string) error {
	return store.NewKVRepo(q).Set(ctx, blobMarkKey(scope, sha), "1")
}

func unmarkBlob(ctx context.Context, q dbx.DBTX, scope, sha string) error {
	return store.NewKVRepo(q).Delete(ctx, blobMarkKey(scope, sha))
}

// LoadCursors reads the scope's cursor state, zero-valued if never synced.
func LoadCursors(ctx context.Context, q dbx.DBTX, scope, deviceID string) (*Cursors, error) {
	kv := store.NewKVRepo(q)
	c := &Cursors{Scope: scope, Since: map[string]int64{}}

	raw, err := kv.Get(ctx, sinceKey(scope))
	switch {
	case errors.Is(err, common.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal([]byte(raw), &c.Since); err != nil {
			return nil, fmt.Errorf("failed to decode since map: %w", err)
		}
	}

	raw, err = kv.Get(ctx, pushedKey(scope, deviceID))
	switch {
	case errors.Is(err, common.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		c.LastPushed, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode pushed cursor: %w", err)
		}
	}
	return c, nil
}

// SaveSince persists the since map.
func (c *Cursors) SaveSince(ctx context.Context, q dbx.DBTX) error {
	raw, err := json.Marshal(c.Since)
	if err != nil {
		return err
	}
	return store.NewKVRepo(q).Set(ctx, sinceKey(c.Scope), string(raw))
}

// SavePushed persists the last pushed seq for the local device.
func (c *Cursors) SavePushed(ctx context.Context, q dbx.DBTX, deviceID string) error {
	return store.NewKVRepo(q).Set(ctx, pushedKey(c.Scope, deviceID), strconv.FormatInt(c.LastPushed, 10))
}
