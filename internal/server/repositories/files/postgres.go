package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/filevault/filevault/internal/common"
	"github.com/filevault/filevault/internal/dbx"
	"github.com/filevault/filevault/internal/server/models"
)

// pgUniqueViolation is the PostgreSQL error code raised when an insert
// breaks a unique constraint (here: blobs.digest).
const pgUniqueViolation = "23505"

// PostgresRepository implements Repository over *sql.DB. Multi-statement
// operations run inside dbx.WithTx so they are atomic against concurrent
// uploads and deletes sharing a digest.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a repository bound to the given database.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *PostgresRepository) FindBlobByDigest(ctx context.Context, digest string) (*models.Blob, error) {
	query := `
		SELECT digest, size, reference_count, storage_location, original_filename, created_at
		FROM blobs WHERE digest = $1
	`
	b := &models.Blob{}
	err := r.db.QueryRowContext(ctx, query, digest).
		Scan(&b.Digest, &b.Size, &b.ReferenceCount, &b.StorageLocation, &b.OriginalFilename, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) CreateBlobAndFile(ctx context.Context, blob *models.Blob, meta FileMetadata) (*models.LogicalFile, error) {
	file := &models.LogicalFile{
		ID:               uuid.NewString(),
		OriginalFilename: meta.OriginalFilename,
		FileType:         meta.FileType,
		Size:             meta.Size,
		UploadedAt:       time.Now().UTC(),
		ContentHash:      blob.Digest,
		IsDuplicate:      false,
		ReferenceCount:   1,
	}

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		blobQuery := `
			INSERT INTO blobs (digest, size, reference_count, storage_location, original_filename, created_at)
			VALUES ($1, $2, 1, $3, $4, $5)
		`
		_, err := tx.ExecContext(ctx, blobQuery,
			blob.Digest, blob.Size, blob.StorageLocation, meta.OriginalFilename, file.UploadedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return common.ErrDigestConflict
			}
			return fmt.Errorf("db error: %w", err)
		}

		fileQuery := `
			INSERT INTO files (id, original_filename, file_type, size, uploaded_at, blob_digest, is_duplicate)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		`
		if _, err := tx.ExecContext(ctx, fileQuery,
			file.ID, file.OriginalFilename, file.FileType, file.Size, file.UploadedAt, file.ContentHash); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (r *PostgresRepository) IncrementAndCreateFile(ctx context.Context, digest string, meta FileMetadata) (*models.LogicalFile, error) {
	file := &models.LogicalFile{
		ID:               uuid.NewString(),
		OriginalFilename: meta.OriginalFilename,
		FileType:         meta.FileType,
		Size:             meta.Size,
		UploadedAt:       time.Now().UTC(),
		ContentHash:      digest,
		IsDuplicate:      true,
	}

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// Single-statement conditional update keeps the count race-free
		// against concurrent uploads and deletes of the same digest.
		incQuery := `
			UPDATE blobs SET reference_count = reference_count + 1
			WHERE digest = $1
			RETURNING reference_count
		`
		err := tx.QueryRowContext(ctx, incQuery, digest).Scan(&file.ReferenceCount)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return common.ErrorNotFound
			}
			return fmt.Errorf("db error: %w", err)
		}

		fileQuery := `
			INSERT INTO files (id, original_filename, file_type, size, uploaded_at, blob_digest, is_duplicate)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		`
		if _, err := tx.ExecContext(ctx, fileQuery,
			file.ID, file.OriginalFilename, file.FileType, file.Size, file.UploadedAt, file.ContentHash); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (r *PostgresRepository) DeleteFile(ctx context.Context, id string) (*DeleteResult, error) {
	result := &DeleteResult{}

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		deleteQuery := `DELETE FROM files WHERE id = $1 RETURNING blob_digest`
		err := tx.QueryRowContext(ctx, deleteQuery, id).Scan(&result.Digest)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return common.ErrorNotFound
			}
			return fmt.Errorf("db error: %w", err)
		}

		decQuery := `
			UPDATE blobs SET reference_count = reference_count - 1
			WHERE digest = $1 AND reference_count > 0
			RETURNING reference_count, storage_location
		`
		err = tx.QueryRowContext(ctx, decQuery, result.Digest).
			Scan(&result.ReferenceCount, &result.StorageLocation)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// A file row existed without a decrementable blob:
				// the invariant is broken, this is a bug.
				return fmt.Errorf("%w: blob %s missing or count underflow", common.ErrorInternal, result.Digest)
			}
			return fmt.Errorf("db error: %w", err)
		}

		if result.ReferenceCount == 0 {
			dropQuery := `DELETE FROM blobs WHERE digest = $1 AND reference_count = 0`
			if _, err := tx.ExecContext(ctx, dropQuery, result.Digest); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			result.BlobDeleted = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) GetFile(ctx context.Context, id string) (*models.LogicalFile, *models.Blob, error) {
	query := `
		SELECT f.id, f.original_filename, f.file_type, f.size, f.uploaded_at, f.blob_digest, f.is_duplicate,
		       b.digest, b.size, b.reference_count, b.storage_location, b.original_filename, b.created_at
		FROM files f
		JOIN blobs b ON b.digest = f.blob_digest
		WHERE f.id = $1
	`
	f := &models.LogicalFile{}
	b := &models.Blob{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&f.ID, &f.OriginalFilename, &f.FileType, &f.Size, &f.UploadedAt, &f.ContentHash, &f.IsDuplicate,
		&b.Digest, &b.Size, &b.ReferenceCount, &b.StorageLocation, &b.OriginalFilename, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, common.ErrorNotFound
		}
		return nil, nil, fmt.Errorf("db error: %w", err)
	}
	f.ReferenceCount = b.ReferenceCount
	return f, b, nil
}

// orderings whitelists client-supplied sort columns.
var orderings = map[string]string{
	"original_filename": "original_filename",
	"size":              "size",
	"uploaded_at":       "uploaded_at",
	"file_type":         "file_type",
}

func orderClause(ordering string) string {
	direction := "ASC"
	if strings.HasPrefix(ordering, "-") {
		direction = "DESC"
		ordering = ordering[1:]
	}
	column, ok := orderings[ordering]
	if !ok {
		return "uploaded_at DESC"
	}
	return column + " " + direction
}

func (r *PostgresRepository) ListFiles(ctx context.Context, filter ListFilter) ([]*models.LogicalFile, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.FileType != "" {
		conds = append(conds, "LOWER(f.file_type) = LOWER("+arg(filter.FileType)+")")
	}
	if filter.MinSize != nil {
		conds = append(conds, "f.size >= "+arg(*filter.MinSize))
	}
	if filter.MaxSize != nil {
		conds = append(conds, "f.size <= "+arg(*filter.MaxSize))
	}
	if filter.UploadedAfter != nil {
		conds = append(conds, "f.uploaded_at >= "+arg(*filter.UploadedAfter))
	}
	if filter.UploadedBefore != nil {
		conds = append(conds, "f.uploaded_at <= "+arg(*filter.UploadedBefore))
	}
	if filter.Search != "" {
		conds = append(conds, "f.original_filename ILIKE "+arg("%"+filter.Search+"%"))
	}

	query := `
		SELECT f.id, f.original_filename, f.file_type, f.size, f.uploaded_at, f.blob_digest, f.is_duplicate,
		       b.reference_count
		FROM files f
		JOIN blobs b ON b.digest = f.blob_digest
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY f." + orderClause(filter.Ordering)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.LogicalFile
	for rows.Next() {
		f := &models.LogicalFile{}
		if err := rows.Scan(&f.ID, &f.OriginalFilename, &f.FileType, &f.Size, &f.UploadedAt,
			&f.ContentHash, &f.IsDuplicate, &f.ReferenceCount); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) StatsSnapshot(ctx context.Context) (*models.StorageStats, error) {
	stats := &models.StorageStats{}

	// Both tables are read in one repeatable-read transaction, and the
	// scalar subqueries run as one statement besides. Counts taken at
	// different instants could otherwise report more blobs than files.
	txOpts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	err := dbx.WithTx(ctx, r.db, txOpts, func(ctx context.Context, tx dbx.DBTX) error {
		aggQuery := `
			SELECT
				(SELECT COUNT(*) FROM files),
				(SELECT COALESCE(SUM(size), 0) FROM files),
				(SELECT COALESCE(MIN(size), 0) FROM files),
				(SELECT COALESCE(MAX(size), 0) FROM files),
				(SELECT COUNT(*) FROM blobs),
				(SELECT COALESCE(SUM(size), 0) FROM blobs)
		`
		err := tx.QueryRowContext(ctx, aggQuery).Scan(
			&stats.TotalFiles, &stats.TotalSize, &stats.SizeRange.Min, &stats.SizeRange.Max,
			&stats.UniqueFiles, &stats.ActualSize)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		typeQuery := `
			SELECT file_type, COUNT(*) AS count
			FROM files
			GROUP BY file_type
			ORDER BY count DESC, file_type
		`
		rows, err := tx.QueryContext(ctx, typeQuery)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var tc models.TypeCount
			if err := rows.Scan(&tc.FileType, &tc.Count); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			stats.FileTypes = append(stats.FileTypes, tc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	stats.DuplicateFiles = stats.TotalFiles - stats.UniqueFiles
	stats.StorageSaved = stats.TotalSize - stats.ActualSize
	if stats.TotalSize > 0 {
		stats.StorageSavedPercentage = float64(stats.StorageSaved) / float64(stats.TotalSize) * 100
	}
	return stats, nil
}

func (r *PostgresRepository) FileTypes(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT file_type FROM files ORDER BY file_type`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}
