package models

// TypeCount is the number of logical files sharing one declared type.
type TypeCount struct {
	FileType string
	Count    int64
}

// SizeRange is the smallest and largest logical file size on record.
type SizeRange struct {
	Min int64
	Max int64
}

// StorageStats is an aggregate snapshot of the store.
//
// TotalSize sums every logical file's size; ActualSize sums each distinct
// blob's size exactly once, so StorageSaved = TotalSize - ActualSize is the
// space deduplication avoided writing.
type StorageStats struct {
	TotalFiles     int64
	UniqueFiles    int64
	DuplicateFiles int64

	TotalSize              int64
	ActualSize             int64
	StorageSaved           int64
	StorageSavedPercentage float64

	FileTypes []TypeCount
	SizeRange SizeRange
}
