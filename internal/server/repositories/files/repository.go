// Package files persists logical file records and physical blob records.
// It is the only place where a blob's reference count is mutated, and every
// mutating operation is atomic with respect to concurrent callers: no caller
// ever reads-then-writes a reference count across two calls.
package files

import (
	"context"
	"time"

	"github.com/filevault/filevault/internal/server/models"
)

// FileMetadata is the per-upload metadata stored on a logical file record.
type FileMetadata struct {
	OriginalFilename string
	FileType         string
	// Size is the measured byte count of the upload.
	Size int64
}

// ListFilter narrows and orders ListFiles results. Zero values mean "no
// constraint".
type ListFilter struct {
	// FileType matches the declared type, case-insensitively.
	FileType string
	// MinSize/MaxSize bound the logical size, inclusive.
	MinSize *int64
	MaxSize *int64
	// UploadedAfter/UploadedBefore bound the upload time, inclusive.
	UploadedAfter  *time.Time
	UploadedBefore *time.Time
	// Search matches a case-insensitive substring of the original filename.
	Search string
	// Ordering is one of original_filename, size, uploaded_at, file_type,
	// optionally prefixed with '-' for descending. Default: -uploaded_at.
	Ordering string
}

// DeleteResult tells the caller whether physical cleanup is needed after a
// logical delete.
type DeleteResult struct {
	Digest          string
	StorageLocation string
	// ReferenceCount is the blob's count after the decrement. Zero means
	// the blob row was deleted and the physical bytes must go too.
	ReferenceCount int64
	BlobDeleted    bool
}

// Repository is the record store for logical files and blobs.
//
// Errors: lookups return common.ErrorNotFound for unknown keys;
// CreateBlobAndFile returns common.ErrDigestConflict when a concurrent
// caller created a blob with the same digest first, so the caller can fall
// back to the increment-and-link path.
type Repository interface {
	// FindBlobByDigest returns the blob with the given digest, if any.
	FindBlobByDigest(ctx context.Context, digest string) (*models.Blob, error)

	// CreateBlobAndFile creates a blob with reference count 1 and its
	// first logical file in one atomic unit. Used for novel content.
	CreateBlobAndFile(ctx context.Context, blob *models.Blob, meta FileMetadata) (*models.LogicalFile, error)

	// IncrementAndCreateFile atomically increments the matching blob's
	// reference count and creates a logical file referencing it.
	IncrementAndCreateFile(ctx context.Context, digest string, meta FileMetadata) (*models.LogicalFile, error)

	// DeleteFile atomically deletes the logical file row and decrements
	// its blob's reference count, removing the blob row when the count
	// reaches zero.
	DeleteFile(ctx context.Context, id string) (*DeleteResult, error)

	// GetFile returns a logical file and its owning blob.
	GetFile(ctx context.Context, id string) (*models.LogicalFile, *models.Blob, error)

	// ListFiles returns logical files matching the filter.
	ListFiles(ctx context.Context, filter ListFilter) ([]*models.LogicalFile, error)

	// StatsSnapshot aggregates storage statistics across all records.
	StatsSnapshot(ctx context.Context) (*models.StorageStats, error)

	// FileTypes lists the distinct declared types on record.
	FileTypes(ctx context.Context) ([]string, error)
}
