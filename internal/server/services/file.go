// Package services implements the deduplication engine: the use-case layer
// that coordinates the blob store and the record repository so that identical
// uploads share one physical blob.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/filevault/filevault/internal/blobstore"
	"github.com/filevault/filevault/internal/common"
	"github.com/filevault/filevault/internal/hashx"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/server/models"
	"github.com/filevault/filevault/internal/server/repositories/files"
	"github.com/filevault/filevault/internal/server/repositories/repomanager"
)

// createAttempts bounds the create/increment retry loop for the race where a
// concurrent upload creates or fully deletes the blob row between our steps.
const createAttempts = 3

// UploadResult reports what the engine did with one upload.
type UploadResult struct {
	File *models.LogicalFile
	// IsDuplicate is true when the upload linked to an existing blob.
	IsDuplicate bool
	// StorageSaved is the number of physical bytes the upload avoided
	// writing: the upload's size for duplicates, zero otherwise.
	StorageSaved int64
	// DuplicateOf is the canonical filename of the first upload with this
	// content. Empty for first uploads.
	DuplicateOf string
}

type FileService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	store         blobstore.Store
	log           logging.Logger
	maxUploadSize int64
}

func NewFileService(db *sql.DB, rm repomanager.RepositoryManager, store blobstore.Store,
	log logging.Logger, maxUploadSize int64) *FileService {
	return &FileService{
		db:            db,
		repomanager:   rm,
		store:         store,
		log:           log,
		maxUploadSize: maxUploadSize,
	}
}

// Upload stages the incoming bytes, hashing them in the same pass, then either
// commits them as a new blob or links the new logical file to an existing
// blob with the same digest. The stream is read exactly once and is never
// buffered in memory.
func (s *FileService) Upload(ctx context.Context, r io.Reader, meta files.FileMetadata) (*UploadResult, error) {
	if meta.OriginalFilename == "" {
		return nil, fmt.Errorf("%w: missing filename", common.ErrorValidation)
	}

	hasher := hashx.NewHasher()
	// One extra byte so an oversized upload is detectable without reading
	// the whole stream.
	limited := io.LimitReader(r, s.maxUploadSize+1)

	staged, err := s.store.Stage(ctx, io.TeeReader(limited, hasher))
	if err != nil {
		if errors.Is(err, common.ErrResourceExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", common.ErrTransientIO, err)
	}

	if staged.Size == 0 {
		s.discard(ctx, staged)
		return nil, fmt.Errorf("%w: empty file", common.ErrorValidation)
	}
	if staged.Size > s.maxUploadSize {
		s.discard(ctx, staged)
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", common.ErrorTooLarge, s.maxUploadSize)
	}

	digest := hasher.Sum()
	meta.Size = staged.Size

	repo := s.repomanager.Files(s.db)

	blob, err := repo.FindBlobByDigest(ctx, digest.String())
	switch {
	case err == nil:
		// Known content: link to it, then drop the staged copy.
		res, err := s.linkDuplicate(ctx, repo, blob, meta)
		if err == nil {
			s.discard(ctx, staged)
			return res, nil
		}
		if !errors.Is(err, common.ErrorNotFound) {
			s.discard(ctx, staged)
			return nil, err
		}
		// The blob's last reference was deleted between lookup and
		// increment. The staged bytes are still ours, so treat the
		// upload as new content.
		return s.commitNew(ctx, repo, staged, digest, meta)
	case errors.Is(err, common.ErrorNotFound):
		return s.commitNew(ctx, repo, staged, digest, meta)
	default:
		s.discard(ctx, staged)
		return nil, err
	}
}

// commitNew makes the physical bytes durable first, then records the blob.
// Commit lands each upload at its own location, so losing the row-insert race
// to a concurrent identical upload is recovered by linking to the winner's
// row and deleting our own copy of the bytes.
func (s *FileService) commitNew(ctx context.Context, repo files.Repository,
	staged *blobstore.Staged, digest hashx.Digest, meta files.FileMetadata) (*UploadResult, error) {

	location, err := s.store.Commit(ctx, staged, digest)
	if err != nil {
		s.discard(ctx, staged)
		if errors.Is(err, common.ErrResourceExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", common.ErrTransientIO, err)
	}

	blob := &models.Blob{
		Digest:           digest.String(),
		Size:             staged.Size,
		StorageLocation:  location,
		OriginalFilename: meta.OriginalFilename,
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		file, err := repo.CreateBlobAndFile(ctx, blob, meta)
		if err == nil {
			s.log.Info(ctx, "blob committed",
				"digest", blob.Digest, "size", blob.Size, "file_id", file.ID)
			return &UploadResult{File: file}, nil
		}
		if !errors.Is(err, common.ErrDigestConflict) {
			s.removeOrphan(ctx, location)
			return nil, err
		}

		// A concurrent upload won the insert. Link to its row; our own
		// committed copy of the bytes becomes redundant.
		existing, err := repo.FindBlobByDigest(ctx, blob.Digest)
		if err == nil {
			res, err := s.linkDuplicate(ctx, repo, existing, meta)
			if err == nil || !errors.Is(err, common.ErrorNotFound) {
				s.removeOrphan(ctx, location)
				return res, err
			}
		} else if !errors.Is(err, common.ErrorNotFound) {
			s.removeOrphan(ctx, location)
			return nil, err
		}
		// The winner was deleted again before we could link. Retry the
		// insert; our committed bytes are still in place.
	}
	s.removeOrphan(ctx, location)
	return nil, fmt.Errorf("%w: digest %s oscillated between create and delete", common.ErrorInternal, blob.Digest)
}

// removeOrphan drops committed bytes that never got a record. Best effort:
// leftover bytes are garbage, not corruption.
func (s *FileService) removeOrphan(ctx context.Context, location string) {
	if err := s.store.Delete(ctx, location); err != nil {
		s.log.Warn(ctx, "failed to remove orphaned blob bytes", "location", location, "error", err)
	}
}

func (s *FileService) linkDuplicate(ctx context.Context, repo files.Repository,
	blob *models.Blob, meta files.FileMetadata) (*UploadResult, error) {

	file, err := repo.IncrementAndCreateFile(ctx, blob.Digest, meta)
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "duplicate upload linked",
		"digest", blob.Digest, "references", file.ReferenceCount, "file_id", file.ID)
	return &UploadResult{
		File:         file,
		IsDuplicate:  true,
		StorageSaved: file.Size,
		DuplicateOf:  blob.OriginalFilename,
	}, nil
}

func (s *FileService) discard(ctx context.Context, staged *blobstore.Staged) {
	if err := s.store.Discard(ctx, staged); err != nil {
		s.log.Warn(ctx, "failed to discard staged upload", "key", staged.Key, "error", err)
	}
}

// Get returns one logical file with its blob's reference count populated.
func (s *FileService) Get(ctx context.Context, id string) (*models.LogicalFile, error) {
	file, _, err := s.repomanager.Files(s.db).GetFile(ctx, id)
	return file, err
}

// Download opens a streaming read of a file's content. The caller must close
// the returned reader.
func (s *FileService) Download(ctx context.Context, id string) (*models.LogicalFile, io.ReadCloser, error) {
	file, blob, err := s.repomanager.Files(s.db).GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.store.Read(ctx, blob.StorageLocation)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// Row exists but bytes are gone: internal inconsistency,
			// not a caller error.
			return nil, nil, fmt.Errorf("%w: blob %s missing at %s",
				common.ErrorInternal, blob.Digest, blob.StorageLocation)
		}
		return nil, nil, err
	}
	return file, rc, nil
}

// List returns logical files matching the filter.
func (s *FileService) List(ctx context.Context, filter files.ListFilter) ([]*models.LogicalFile, error) {
	return s.repomanager.Files(s.db).ListFiles(ctx, filter)
}

// Delete removes a logical file. The blob's reference count drops by one;
// when it reaches zero the physical bytes are removed as well. Repeating a
// delete for an already-removed id returns common.ErrorNotFound.
func (s *FileService) Delete(ctx context.Context, id string) error {
	res, err := s.repomanager.Files(s.db).DeleteFile(ctx, id)
	if err != nil {
		return err
	}
	if !res.BlobDeleted {
		s.log.Info(ctx, "file deleted",
			"file_id", id, "digest", res.Digest, "references", res.ReferenceCount)
		return nil
	}
	// The logical delete is already committed. Physical deletion is
	// idempotent, so a failure here leaves retryable garbage, not
	// corruption.
	if err := s.store.Delete(ctx, res.StorageLocation); err != nil {
		s.log.Error(ctx, "failed to delete blob bytes",
			"digest", res.Digest, "location", res.StorageLocation, "error", err)
		return err
	}
	s.log.Info(ctx, "file and blob deleted", "file_id", id, "digest", res.Digest)
	return nil
}

// Stats aggregates storage statistics across all records.
func (s *FileService) Stats(ctx context.Context) (*models.StorageStats, error) {
	return s.repomanager.Files(s.db).StatsSnapshot(ctx)
}

// FileTypes lists the distinct declared types on record.
func (s *FileService) FileTypes(ctx context.Context) ([]string, error) {
	return s.repomanager.Files(s.db).FileTypes(ctx)
}
