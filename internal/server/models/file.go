// Package models defines server-side data models persisted in the database.
package models

import "time"

// LogicalFile is one upload's metadata record. Many logical files may point
// at the same physical blob; that is the deduplication relationship. A
// logical file never owns physical bytes directly.
type LogicalFile struct {
	// ID is an opaque identifier generated at creation.
	ID string
	// OriginalFilename is the name supplied by the uploader.
	OriginalFilename string
	// FileType is the declared MIME type.
	FileType string
	// Size is the byte count measured while staging the upload.
	Size int64
	// UploadedAt is set at creation.
	UploadedAt time.Time
	// ContentHash is the hex digest of the owning blob.
	ContentHash string
	// IsDuplicate is true when this upload linked to an existing blob
	// instead of creating one.
	IsDuplicate bool

	// ReferenceCount is the owning blob's current reference count,
	// populated on reads that join the blob row.
	ReferenceCount int64
}

// StorageSaved reports the bytes this upload did not consume on disk:
// the blob's size for duplicates, zero for first uploads.
func (f *LogicalFile) StorageSaved() int64 {
	if f.IsDuplicate {
		return f.Size
	}
	return 0
}
