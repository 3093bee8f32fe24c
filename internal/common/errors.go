// Package common defines shared sentinel errors used across FileVault layers.
// Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// ErrDigestConflict is returned when a blob with the same digest was
	// committed by a concurrent upload between lookup and create. The
	// deduplication engine recovers from it by retrying as an increment;
	// it is never surfaced to callers.
	ErrDigestConflict = errors.New("digest already exists")

	// Validation errors (empty upload, bad metadata).
	ErrorValidation = errors.New("validation error")

	// ErrorTooLarge is returned when an upload exceeds the configured size
	// limit. Staged bytes are discarded before it is returned.
	ErrorTooLarge = errors.New("file too large")

	// ErrResourceExhausted signals that staging or committing bytes failed
	// for lack of disk or quota. The upload is rejected and staged data
	// is cleaned up.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTransientIO signals a stream read/write failure (client disconnect,
	// I/O error). The whole upload may be retried by the caller.
	ErrTransientIO = errors.New("transient i/o error")

	// ErrorInternal marks internal-consistency failures (reference count
	// underflow, blob row missing for a file). These indicate a bug, not a
	// normal failure path.
	ErrorInternal = errors.New("internal error")
)
