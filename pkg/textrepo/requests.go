package textrepo

import (
	"time"

	"github.com/google/uuid"
)

// CreateVersionRequest contains parameters for creating a version
type CreateVersionRequest struct {
	FileID   uuid.UUID
	Contents []byte
	// CreatedAt defaults to the service clock when zero
	CreatedAt time.Time
}

// ListVersionsRequest contains parameters for listing the versions of a file
type ListVersionsRequest struct {
	FileID       uuid.UUID
	Page         PageParams
	CreatedAfter *time.Time
}

// UploadFileContentsRequest contains parameters for replacing the contents of a file
type UploadFileContentsRequest struct {
	FileID   uuid.UUID
	Contents []byte
	Filename string
}

// CreateFileRequest contains parameters for registering a file
type CreateFileRequest struct {
	TypeID     int16
	DocumentID *uuid.UUID
}

// IndexAllResult summarizes indexing every file of one type
type IndexAllResult struct {
	Type    string `json:"type"`
	Indexed int    `json:"indexed"`
	// Skipped counts files no indexer supports
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// IndexDrift lists the differences between the store and the indexes
type IndexDrift struct {
	// OnlyInIndex holds ids the indexes know but the store does not
	OnlyInIndex []uuid.UUID `json:"onlyInIndex"`
	// OnlyInStore holds ids the store knows but no index does. Files whose
	// type no indexer supports are left out.
	OnlyInStore []uuid.UUID `json:"onlyInStore"`
}

// InSync reports whether the store and the indexes hold the same ids
func (d *IndexDrift) InSync() bool {
	return len(d.OnlyInIndex) == 0 && len(d.OnlyInStore) == 0
}
