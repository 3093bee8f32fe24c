package http

import (
	"time"

	"github.com/filevault/filevault/internal/server/models"
	"github.com/filevault/filevault/internal/server/services"
)

type fileResponse struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	FileType         string    `json:"file_type"`
	Size             int64     `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
	ContentHash      string    `json:"content_hash"`
	IsDuplicate      bool      `json:"is_duplicate"`
	StorageSaved     int64     `json:"storage_saved"`
	ReferenceCount   int64     `json:"reference_count"`
}

func toFileResponse(f *models.LogicalFile) fileResponse {
	return fileResponse{
		ID:               f.ID,
		OriginalFilename: f.OriginalFilename,
		FileType:         f.FileType,
		Size:             f.Size,
		UploadedAt:       f.UploadedAt,
		ContentHash:      f.ContentHash,
		IsDuplicate:      f.IsDuplicate,
		StorageSaved:     f.StorageSaved(),
		ReferenceCount:   f.ReferenceCount,
	}
}

type uploadResponse struct {
	fileResponse
	// DuplicateOf is the canonical filename of the first upload with the
	// same content. Only set on duplicate uploads.
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

func toUploadResponse(res *services.UploadResult) uploadResponse {
	return uploadResponse{
		fileResponse: toFileResponse(res.File),
		DuplicateOf:  res.DuplicateOf,
	}
}

type typeCountResponse struct {
	FileType string `json:"file_type"`
	Count    int64  `json:"count"`
}

type sizeRangeResponse struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

type statsResponse struct {
	TotalFiles             int64               `json:"total_files"`
	UniqueFiles            int64               `json:"unique_files"`
	DuplicateFiles         int64               `json:"duplicate_files"`
	TotalSize              int64               `json:"total_size"`
	ActualSize             int64               `json:"actual_size"`
	StorageSaved           int64               `json:"storage_saved"`
	StorageSavedPercentage float64             `json:"storage_saved_percentage"`
	FileTypes              []typeCountResponse `json:"file_types"`
	SizeRange              sizeRangeResponse   `json:"size_range"`
}

func toStatsResponse(s *models.StorageStats) statsResponse {
	types := make([]typeCountResponse, 0, len(s.FileTypes))
	for _, tc := range s.FileTypes {
		types = append(types, typeCountResponse{FileType: tc.FileType, Count: tc.Count})
	}
	return statsResponse{
		TotalFiles:             s.TotalFiles,
		UniqueFiles:            s.UniqueFiles,
		DuplicateFiles:         s.DuplicateFiles,
		TotalSize:              s.TotalSize,
		ActualSize:             s.ActualSize,
		StorageSaved:           s.StorageSaved,
		StorageSavedPercentage: s.StorageSavedPercentage,
		FileTypes:              types,
		SizeRange:              sizeRangeResponse{Min: s.SizeRange.Min, Max: s.SizeRange.Max},
	}
}
