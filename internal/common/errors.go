// Package common defines shared constants and sentinel errors used across
// the Keepsake sync engine. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// ErrNotFound marks a missing local row or remote object. Remote
	// backends normalize their own "absent" signals (HTTP 404, fs.ErrNotExist)
	// to this value so protocol code has a single kind to branch on.
	ErrNotFound = errors.New("not found")

	// ErrDependency marks an op whose referenced entity has not been applied
	// yet. Retryable: the op goes to the pending set instead of failing the
	// pull.
	ErrDependency = errors.New("dependency not satisfied")

	// ErrCorruptOp marks an op that failed structural validation (bad
	// ciphertext, op_id mismatch, missing required payload field, unknown
	// type). Fatal for that single op only.
	ErrCorruptOp = errors.New("corrupt operation")

	// ErrConflict marks a push batch the relay rejected with a structured
	// seq_gap/conflict response.
	ErrConflict = errors.New("sequence conflict")

	// ErrTokenExpired marks an expired vault bearer token.
	ErrTokenExpired = errors.New("token expired")

	// ErrBusy marks a remote that signalled a concurrency ceiling; push
	// retries with reduced parallelism.
	ErrBusy = errors.New("remote busy")
)
