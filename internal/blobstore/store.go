// Package blobstore abstracts physical blob storage. A Store is the exclusive
// owner of create/delete of physical objects; callers first stage incoming
// bytes, then either commit them under a content digest or discard them.
package blobstore

import (
	"context"
	"io"

	"github.com/filevault/filevault/internal/hashx"
)

// Staged is a handle to bytes persisted in a temporary location. It is valid
// until passed to Commit or Discard exactly once.
type Staged struct {
	// Key is the store-specific temporary key of the staged bytes.
	Key string
	// Size is the number of bytes staged.
	Size int64
}

// Store owns physical bytes on durable storage, keyed by content digest.
//
// Commit lands each staged handle at its own permanent location, derived
// from the digest but unique per commit. Concurrent uploads of identical
// content therefore commit distinct objects and never race on one path;
// the caller that loses the record-creation race deletes its own location.
// A deleter holding a record's location can only ever remove that record's
// bytes, never an object belonging to a newer record with the same digest.
//
// Delete must tolerate "already gone" as success, so that a crash between a
// reference-count update and the physical delete is safely retryable.
type Store interface {
	// Stage persists bytes from r to a temporary location.
	Stage(ctx context.Context, r io.Reader) (*Staged, error)

	// Commit atomically moves staged bytes into a permanent location
	// unique to this commit and returns that location.
	Commit(ctx context.Context, staged *Staged, digest hashx.Digest) (string, error)

	// Discard removes staged bytes without committing them.
	Discard(ctx context.Context, staged *Staged) error

	// Delete removes the physical bytes at location.
	Delete(ctx context.Context, location string) error

	// Read opens a streaming read of the bytes at location. It returns
	// common.ErrorNotFound when the location does not exist.
	Read(ctx context.Context, location string) (io.ReadCloser, error)

	// Has reports whether location holds a committed object.
	Has(ctx context.Context, location string) (bool, error)
}
