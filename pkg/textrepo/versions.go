package textrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// VersionStore creates, retrieves, lists and deletes versions
type VersionStore struct {
	repo     Repository
	contents *ContentStore
	types    *TypeResolver
	index    IndexService
	logger   *slog.Logger
	newID    func() uuid.UUID
	now      func() time.Time
}

// NewVersionStore creates a version store. index may be nil when no indexers
// are configured.
func NewVersionStore(repo Repository, contents *ContentStore, types *TypeResolver, index IndexService, logger *slog.Logger, newID func() uuid.UUID, now func() time.Time) *VersionStore {
	return &VersionStore{
		repo:     repo,
		contents: contents,
		types:    types,
		index:    index,
		logger:   logger,
		newID:    newID,
		now:      now,
	}
}

// Create stores the contents, indexes them with every configured indexer and
// then persists a new version. Indexing happens before the version row is
// written: a failed insert can leave an index entry without a matching version.
func (s *VersionStore) Create(ctx context.Context, fileID uuid.UUID, b []byte, createdAt time.Time) (*Version, error) {
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("could not create new version: %w", err)
	}
	return s.create(ctx, file, b, createdAt)
}

func (s *VersionStore) create(ctx context.Context, file *File, b []byte, createdAt time.Time) (*Version, error) {
	fileType, err := s.types.Resolve(ctx, file.TypeID)
	if err != nil {
		return nil, &FileError{FileID: file.ID, Op: "resolve_type", Err: err}
	}

	contents, err := s.contents.Add(ctx, b)
	if err != nil {
		return nil, &FileError{FileID: file.ID, Op: "add_contents", Err: err}
	}

	if s.index != nil {
		report := s.index.Index(ctx, file, fileType, contents.Text())
		for _, res := range report.Failed() {
			s.logger.Warn("Indexer failed for new version",
				"file_id", file.ID, "indexer", res.Indexer, "err", res.Err)
		}
	}

	if createdAt.IsZero() {
		createdAt = s.now()
	}
	version := &Version{
		ID:             s.newID(),
		FileID:         file.ID,
		CreatedAt:      normalizeTime(createdAt),
		ContentsSha224: contents.Sha224,
	}
	if err := s.repo.CreateVersion(ctx, version); err != nil {
		return nil, &VersionError{VersionID: version.ID, Op: "create", Err: err}
	}
	s.logger.Debug("Version created", "version_id", version.ID, "file_id", file.ID, "sha224", version.ContentsSha224)
	return version, nil
}

// GetOrCreate returns the latest version of the file when its digest equals
// the digest of b, and creates a new version otherwise
func (s *VersionStore) GetOrCreate(ctx context.Context, file *File, b []byte) (*Version, bool, error) {
	latest, err := s.repo.FindLatestVersion(ctx, file.ID)
	switch {
	case err == nil:
		if latest.ContentsSha224 == Digest(b) {
			return latest, false, nil
		}
	case !isNotFound(err):
		return nil, false, err
	}
	version, err := s.create(ctx, file, b, time.Time{})
	if err != nil {
		return nil, false, err
	}
	return version, true, nil
}

// FindLatest returns the version with the greatest creation time, or
// ErrVersionNotFound when the file has no versions
func (s *VersionStore) FindLatest(ctx context.Context, fileID uuid.UUID) (*Version, error) {
	return s.repo.FindLatestVersion(ctx, fileID)
}

// Get returns the version with the given id or ErrVersionNotFound
func (s *VersionStore) Get(ctx context.Context, id uuid.UUID) (*Version, error) {
	return s.repo.GetVersion(ctx, id)
}

// List returns one page of the versions of a file, newest first
func (s *VersionStore) List(ctx context.Context, params ListVersionsParams) (*Page[*Version], error) {
	params.Page = params.Page.Normalize()
	if params.CreatedAfter != nil {
		t := normalizeTime(*params.CreatedAfter)
		params.CreatedAfter = &t
	}
	items, total, err := s.repo.ListVersions(ctx, params)
	if err != nil {
		return nil, &FileError{FileID: params.FileID, Op: "list_versions", Err: err}
	}
	if items == nil {
		items = []*Version{}
	}
	return &Page[*Version]{Items: items, Total: total, Params: params.Page}, nil
}

// Delete removes the version and then its contents when no other version
// references the same digest. Deleting an absent version is a no-op.
func (s *VersionStore) Delete(ctx context.Context, id uuid.UUID) error {
	version, err := s.repo.GetVersion(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return &VersionError{VersionID: id, Op: "delete", Err: err}
	}
	// a concurrent delete may have removed the row since the lookup
	if err := s.repo.DeleteVersion(ctx, id); err != nil && !isNotFound(err) {
		return &VersionError{VersionID: id, Op: "delete", Err: err}
	}
	return s.tryDeletingContents(ctx, version)
}

func (s *VersionStore) tryDeletingContents(ctx context.Context, version *Version) error {
	err := s.contents.Delete(ctx, version.ContentsSha224)
	switch {
	case err == nil:
		s.logger.Info("Deleted contents of version", "version_id", version.ID, "sha224", version.ContentsSha224)
		return nil
	case errors.Is(err, ErrStillReferenced):
		s.logger.Info("Not deleting contents of version because sha is still in use",
			"version_id", version.ID, "sha224", version.ContentsSha224)
		return nil
	default:
		return &VersionError{VersionID: version.ID, Op: "delete_contents", Err: err}
	}
}

// normalizeTime drops precision the stores cannot keep
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
