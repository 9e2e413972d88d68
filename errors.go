package lsmtree

import "errors"

// Sentinel errors, checked with errors.Is, following the input-error /
// invariant-violation / missing-manifest taxonomy of the error-handling
// design.
var (
	// ErrKeyOutOfRange is returned when a key falls outside the signed
	// 32-bit range.
	ErrKeyOutOfRange = errors.New("lsmtree: key out of range")

	// ErrValueOutOfRange is returned when a value falls outside
	// [-2^31+1, 2^31-1], i.e. when it collides with the tombstone.
	ErrValueOutOfRange = errors.New("lsmtree: value out of range (collides with tombstone)")

	// ErrRunFull names the invariant violation of flushing into a run that
	// is already at or beyond capacity. run.Run.Flush reports that case
	// with its own error, which does not wrap ErrRunFull.
	ErrRunFull = errors.New("lsmtree: run is full")

	// ErrLevelOverflow is an invariant violation: put_front would exceed
	// a level's max_records.
	ErrLevelOverflow = errors.New("lsmtree: level overflow")

	// ErrManifestNotFound is non-fatal: the caller starts with a fresh,
	// single-level tree.
	ErrManifestNotFound = errors.New("lsmtree: manifest not found")

	// ErrClosed is returned by any operation after the tree has been
	// checkpointed and shut down.
	ErrClosed = errors.New("lsmtree: tree is closed")
)
