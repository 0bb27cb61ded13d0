package store

import "errors"

// Sentinel errors returned by the store's public API. Callers use
// errors.Is to distinguish them from plain I/O failures, which are
// wrapped and returned as-is.
var (
	// ErrClosed is returned by Fetch, Put and SetMaxKeys on a store that
	// has already been closed.
	ErrClosed = errors.New("saltstore: store is closed")

	// ErrShutdown is returned when an operation could not complete because
	// shutdown was signalled while it was waiting on a lock.
	ErrShutdown = errors.New("saltstore: shutdown in progress")

	// ErrCollision is returned by Put when a different block already
	// occupies the key's slot and overwrite was not requested.
	ErrCollision = errors.New("saltstore: key collision, overwrite not allowed")

	// ErrLockTimeout is returned when the configuration lock could not be
	// acquired within the retry budget.
	ErrLockTimeout = errors.New("saltstore: configuration lock timed out")

	// ErrStoreFull is returned by Put when every candidate slot is occupied,
	// no secondary store accepted the block, and eviction was refused.
	ErrStoreFull = errors.New("saltstore: no candidate slot available")

	// errEOF is an internal sentinel distinguishing "read past the
	// preallocation watermark" from a genuine I/O failure. It never
	// escapes the package.
	errEOF = errors.New("saltstore: read past offsetReady")
)
