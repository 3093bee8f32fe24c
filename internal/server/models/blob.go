package models

import "time"

// Blob is the physical, digest-keyed storage unit. Its reference count
// equals the number of logical files currently pointing at it; when the
// count reaches zero the blob row and its physical bytes are deleted.
type Blob struct {
	// Digest is the content hash, hex-encoded. Primary key.
	Digest string
	// Size is the physical byte length.
	Size int64
	// ReferenceCount is mutated only by the repository's atomic
	// increment/decrement operations.
	ReferenceCount int64
	// StorageLocation is the blob store's handle to the physical bytes.
	StorageLocation string
	// OriginalFilename is the first uploader's filename, resolved once at
	// blob creation and reported on duplicate uploads.
	OriginalFilename string
	// CreatedAt is set when the first upload with this digest commits.
	CreatedAt time.Time
}
