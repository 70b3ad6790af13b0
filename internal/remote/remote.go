// Package remote defines the RemoteStore capability the push/pull protocols
// speak, with one concrete backend per transport: a shared directory, an
// in-memory test double, and a WebDAV server. The managed vault is not a
// RemoteStore; it has its own batched RPC client in internal/vault.
package remote

import (
	"context"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/common"
)

// Store is a uniform hierarchical byte store. Virtual paths use forward
// slashes with no leading slash; "" names the root. Implementations are safe
// for concurrent use, but one synchronization scope must not be driven by
// two concurrent push/pull calls.
type Store interface {
	// TargetID returns a stable identity of backend + endpoint, used to
	// derive cursor scope ids. It must not change between runs.
	TargetID() string

	// MkdirAll creates the directory and any missing parents.
	MkdirAll(ctx context.Context, dir string) error

	// List returns the entries one level under dir: file names bare,
	// directory names with a trailing slash.
	List(ctx context.Context, dir string) ([]string, error)

	// Get returns a file's bytes, wrapping common.ErrNotFound if absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put writes a file, creating parent directories as needed.
	Put(ctx context.Context, path string, data []byte) error

	// Delete removes a file or, recursively, a directory. Absent targets
	// yield common.ErrNotFound. Deleting the root is refused.
	Delete(ctx context.Context, path string) error
}

// StatusError is a transport failure carrying the remote status and body.
// 404s never surface as StatusError; they normalize to common.ErrNotFound.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Body)
}

// Is lets overload-ish statuses match common.ErrBusy so push can downshift
// parallelism instead of failing.
func (e *StatusError) Is(target error) bool {
	if target == common.ErrBusy {
		return e.Code == 423 || e.Code == 429 || e.Code == 503
	}
	return false
}
