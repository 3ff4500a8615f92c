package textrepo

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the caller-facing operations of the text repository
type Service interface {
	// Version operations
	CreateVersion(ctx context.Context, req CreateVersionRequest) (*Version, error)
	GetVersion(ctx context.Context, id uuid.UUID) (*Version, error)
	FindLatestVersion(ctx context.Context, fileID uuid.UUID) (*Version, error)
	ListVersions(ctx context.Context, req ListVersionsRequest) (*Page[*Version], error)
	DeleteVersion(ctx context.Context, id uuid.UUID) error

	// Contents operations
	GetContents(ctx context.Context, sha224 string) (*Contents, error)
	GetLatestFileContents(ctx context.Context, fileID uuid.UUID) (*Contents, error)
	UploadFileContents(ctx context.Context, req UploadFileContentsRequest) (*Version, error)

	// File operations
	CreateFile(ctx context.Context, req CreateFileRequest) (*File, error)
	GetFile(ctx context.Context, id uuid.UUID) (*File, error)
	UpdateFileType(ctx context.Context, id uuid.UUID, typeID int16) (*File, error)
	SetFileMetadata(ctx context.Context, fileID uuid.UUID, key, value string) error
	GetFileMetadata(ctx context.Context, fileID uuid.UUID) (map[string]string, error)

	// Type operations
	ResolveType(ctx context.Context, name string) (*FileType, error)
	EnsureType(ctx context.Context, name, mimetype string) (*FileType, error)
	ListTypes(ctx context.Context) ([]*FileType, error)

	// Index operations
	IndexFile(ctx context.Context, fileID uuid.UUID) (*IndexReport, error)
	IndexDocument(ctx context.Context, externalID, typeName string) (*IndexReport, error)
	IndexAllOfType(ctx context.Context, typeName string) (*IndexAllResult, error)
	DeleteFromIndex(ctx context.Context, fileID uuid.UUID) (*IndexReport, error)
	FindIndexDrift(ctx context.Context) (*IndexDrift, error)

	// Import operations
	RunImport(ctx context.Context, req ImportRequest) (*ImportResult, error)
}
