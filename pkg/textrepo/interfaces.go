package textrepo

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Repository defines the transactional store contract for contents, types,
// documents, files, versions and metadata.
type Repository interface {
	// Contents operations

	// InsertContents stores contents unless a row with the same digest exists
	InsertContents(ctx context.Context, contents *Contents) error
	GetContents(ctx context.Context, sha224 string) (*Contents, error)
	// DeleteContents removes the contents row in one transaction unless a
	// version still references the digest, in which case it returns
	// ErrStillReferenced. Deleting an absent digest is a no-op.
	DeleteContents(ctx context.Context, sha224 string) error

	// Type operations
	CreateType(ctx context.Context, fileType *FileType) error
	GetType(ctx context.Context, id int16) (*FileType, error)
	GetTypeByName(ctx context.Context, name string) (*FileType, error)
	ListTypes(ctx context.Context) ([]*FileType, error)

	// Document operations
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	GetDocumentByExternalID(ctx context.Context, externalID string) (*Document, error)

	// File operations
	CreateFile(ctx context.Context, file *File, documentID *uuid.UUID) error
	GetFile(ctx context.Context, id uuid.UUID) (*File, error)
	UpsertFile(ctx context.Context, file *File) error
	FindFileByDocumentAndType(ctx context.Context, documentID uuid.UUID, typeID int16) (*File, error)
	ForEachFileByType(ctx context.Context, typeID int16, fn func(*File) error) error
	ListFileIDs(ctx context.Context) ([]uuid.UUID, error)

	// Version operations
	CreateVersion(ctx context.Context, version *Version) error
	GetVersion(ctx context.Context, id uuid.UUID) (*Version, error)
	FindLatestVersion(ctx context.Context, fileID uuid.UUID) (*Version, error)
	ListVersions(ctx context.Context, params ListVersionsParams) ([]*Version, int, error)
	DeleteVersion(ctx context.Context, id uuid.UUID) error

	// Metadata operations
	UpsertMetadata(ctx context.Context, entry *MetadataEntry) error
	GetMetadata(ctx context.Context, ownerType OwnerType, ownerID uuid.UUID) ([]*MetadataEntry, error)
}

// Indexer projects a file and its rendered contents into one search backend
type Indexer interface {
	// Name identifies the indexer in logs and results
	Name() string

	// Index adds or replaces the file in the backend, returning an optional
	// human readable message
	Index(ctx context.Context, file *File, fileType *FileType, contents string) (string, error)

	// Delete removes the file from the backend. A file missing from the
	// backend is not an error.
	Delete(ctx context.Context, fileID uuid.UUID) (string, error)

	// Mimetypes lists the supported mimetypes. Nil means all mimetypes.
	Mimetypes() []string
}

// IndexService fans index mutations out to every configured indexer
type IndexService interface {
	Index(ctx context.Context, file *File, fileType *FileType, contents string) *IndexReport
	Delete(ctx context.Context, fileID uuid.UUID) *IndexReport
	GetAllIDs(ctx context.Context) ([]uuid.UUID, error)
	// Accepts reports whether at least one indexer supports the mimetype
	Accepts(mimetype string) bool
}

// IndexResult is the outcome of one indexer for one file
type IndexResult struct {
	Indexer string `json:"indexer"`
	Message string `json:"message,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Err     error  `json:"-"`
}

// IndexReport collects the outcome of every indexer for one file
type IndexReport struct {
	FileID  uuid.UUID     `json:"fileId"`
	Results []IndexResult `json:"results"`
}

// Failed returns the results that carry an error
func (r *IndexReport) Failed() []IndexResult {
	if r == nil {
		return nil
	}
	var failed []IndexResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Skipped reports whether no indexer took the file, either because none
// supports its mimetype or because there are no indexers
func (r *IndexReport) Skipped() bool {
	if r == nil {
		return true
	}
	for _, res := range r.Results {
		if !res.Skipped {
			return false
		}
	}
	return true
}

// Err joins the per-indexer errors, or returns nil when every indexer succeeded
func (r *IndexReport) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}
