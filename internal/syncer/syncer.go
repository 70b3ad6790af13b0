// Package syncer implements the replication protocols: push and pull over
// file-backed RemoteStores (WebDAV, shared directory, in-memory) and over
// the managed vault's batched RPCs, the idempotent apply/merge engine, and
// the content-addressed attachment blob sync.
//
// All calls are synchronous and blocking. A given sync scope must be driven
// by one push or pull call at a time; the store handle is exclusively owned
// by the calling goroutine for the duration of a call. Each applied page of
// ops commits in one transaction, so a crash mid-pull leaves the store at
// the previous page boundary, and re-invoking push or pull always resumes
// from the last advanced cursor.
package syncer

import (
	"database/sql"

	"github.com/keepsake-app/keepsake/internal/cryptox"
	"github.com/keepsake-app/keepsake/internal/logging"
	"github.com/keepsake-app/keepsake/internal/store"
)

// Options tunes a Syncer. Zero values select the defaults.
type Options struct {
	// BatchSize caps ops per vault ops:push call.
	BatchSize int
	// PullLimit is the page size for pulls.
	PullLimit int
	// Parallel caps in-flight uploads against file-backed remotes. Push
	// falls back to serial uploads when the remote signals a concurrency
	// ceiling; it never exceeds this.
	Parallel int
	// MaxRepairAttempts bounds the vault conflict repair loop.
	MaxRepairAttempts int
	// MaxPendingAttempts drops a dependency-deferred op after this many
	// failed stabilization sweeps. 0 keeps retrying forever; a permanently
	// missing dependency then parks its dependents indefinitely.
	MaxPendingAttempts int64
	// Progress, when set, receives (done, total) op counts.
	Progress ProgressFunc
}

const (
	defaultBatchSize         = 200
	defaultPullLimit         = 500
	defaultParallel          = 4
	defaultMaxRepairAttempts = 10
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.PullLimit <= 0 {
		o.PullLimit = defaultPullLimit
	}
	if o.Parallel <= 0 {
		o.Parallel = defaultParallel
	}
	if o.MaxRepairAttempts <= 0 {
		o.MaxRepairAttempts = defaultMaxRepairAttempts
	}
	return o
}

// Syncer replicates one local store against remotes. It is not safe to run
// two calls against the same scope concurrently.
type Syncer struct {
	db       *sql.DB
	deviceID string
	localBox *cryptox.Box
	syncBox  *cryptox.Box
	blobs    *store.BlobStore
	log      logging.Logger
	opts     Options
}

// New builds a Syncer. localBox seals data at rest, syncBox seals data in
// transit; blobs may be nil when attachments are not in play. log may be nil.
func New(db *sql.DB, deviceID string, localBox, syncBox *cryptox.Box, blobs *store.BlobStore, log logging.Logger, opts Options) *Syncer {
	if log == nil {
		log = logging.Nop()
	}
	return &Syncer{
		db:       db,
		deviceID: deviceID,
		localBox: localBox,
		syncBox:  syncBox,
		blobs:    blobs,
		log:      log,
		opts:     opts.withDefaults(),
	}
}
