package textrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadSize is the largest contents accepted by default (250 MiB)
const DefaultMaxPayloadSize = 250 * 1024 * 1024

// service implements the Service interface
type service struct {
	repository     Repository
	index          IndexService
	logger         *slog.Logger
	newID          func() uuid.UUID
	now            func() time.Time
	maxPayloadSize int64
	typeCacheSize  int

	types    *TypeResolver
	contents *ContentStore
	files    *FileRegistry
	versions *VersionStore
	importer *ImportPipeline
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithIndexService sets the coordinator that fans index mutations out to indexers
func WithIndexService(index IndexService) Option {
	return func(s *service) {
		s.index = index
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithClock sets the clock used for version and document timestamps
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithIDGenerator sets the generator for file, version and document ids
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *service) {
		s.newID = newID
	}
}

// WithMaxPayloadSize limits the size of contents accepted by the service
func WithMaxPayloadSize(n int64) Option {
	return func(s *service) {
		s.maxPayloadSize = n
	}
}

// WithTypeCacheSize sets the number of cached type lookups
func WithTypeCacheSize(n int) Option {
	return func(s *service) {
		s.typeCacheSize = n
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		logger:         slog.Default(),
		newID:          uuid.New,
		now:            func() time.Time { return time.Now().UTC() },
		maxPayloadSize: DefaultMaxPayloadSize,
		typeCacheSize:  DefaultTypeCacheSize,
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}

	types, err := NewTypeResolver(s.repository, s.typeCacheSize)
	if err != nil {
		return nil, err
	}
	s.types = types
	s.contents = NewContentStore(s.repository)
	s.files = NewFileRegistry(s.repository, types, s.newID, s.now)
	s.versions = NewVersionStore(s.repository, s.contents, types, s.index, s.logger, s.newID, s.now)
	s.importer = NewImportPipeline(types, s.files, s.versions, s.logger)

	return s, nil
}

func (s *service) checkPayload(b []byte) error {
	if s.maxPayloadSize > 0 && int64(len(b)) > s.maxPayloadSize {
		return fmt.Errorf("%w: max. allowed size: %d", ErrPayloadTooLarge, s.maxPayloadSize)
	}
	return nil
}

// Version operations

func (s *service) CreateVersion(ctx context.Context, req CreateVersionRequest) (*Version, error) {
	if err := s.checkPayload(req.Contents); err != nil {
		return nil, err
	}
	return s.versions.Create(ctx, req.FileID, req.Contents, req.CreatedAt)
}

func (s *service) GetVersion(ctx context.Context, id uuid.UUID) (*Version, error) {
	return s.versions.Get(ctx, id)
}

func (s *service) FindLatestVersion(ctx context.Context, fileID uuid.UUID) (*Version, error) {
	return s.versions.FindLatest(ctx, fileID)
}

func (s *service) ListVersions(ctx context.Context, req ListVersionsRequest) (*Page[*Version], error) {
	if _, err := s.repository.GetFile(ctx, req.FileID); err != nil {
		return nil, err
	}
	return s.versions.List(ctx, ListVersionsParams(req))
}

func (s *service) DeleteVersion(ctx context.Context, id uuid.UUID) error {
	return s.versions.Delete(ctx, id)
}

// Contents operations

func (s *service) GetContents(ctx context.Context, sha224 string) (*Contents, error) {
	return s.contents.Get(ctx, sha224)
}

func (s *service) GetLatestFileContents(ctx context.Context, fileID uuid.UUID) (*Contents, error) {
	version, err := s.versions.FindLatest(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return s.contents.Get(ctx, version.ContentsSha224)
}

func (s *service) UploadFileContents(ctx context.Context, req UploadFileContentsRequest) (*Version, error) {
	if err := s.checkPayload(req.Contents); err != nil {
		return nil, err
	}
	file, err := s.repository.GetFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	version, _, err := s.versions.GetOrCreate(ctx, file, req.Contents)
	if err != nil {
		return nil, err
	}
	if req.Filename != "" {
		if err := s.files.SetMetadata(ctx, file.ID, FilenameKey, req.Filename); err != nil {
			return nil, err
		}
	}
	return version, nil
}

// File operations

func (s *service) CreateFile(ctx context.Context, req CreateFileRequest) (*File, error) {
	if req.DocumentID != nil {
		if _, err := s.repository.GetDocument(ctx, *req.DocumentID); err != nil {
			return nil, err
		}
	}
	return s.files.Create(ctx, req.TypeID, req.DocumentID)
}

func (s *service) GetFile(ctx context.Context, id uuid.UUID) (*File, error) {
	return s.files.Get(ctx, id)
}

func (s *service) UpdateFileType(ctx context.Context, id uuid.UUID, typeID int16) (*File, error) {
	return s.files.UpdateType(ctx, id, typeID)
}

func (s *service) SetFileMetadata(ctx context.Context, fileID uuid.UUID, key, value string) error {
	return s.files.SetMetadata(ctx, fileID, key, value)
}

func (s *service) GetFileMetadata(ctx context.Context, fileID uuid.UUID) (map[string]string, error) {
	return s.files.Metadata(ctx, fileID)
}

// Type operations

func (s *service) ResolveType(ctx context.Context, name string) (*FileType, error) {
	return s.types.ResolveName(ctx, name)
}

func (s *service) EnsureType(ctx context.Context, name, mimetype string) (*FileType, error) {
	return s.types.Ensure(ctx, name, mimetype)
}

func (s *service) ListTypes(ctx context.Context) ([]*FileType, error) {
	return s.repository.ListTypes(ctx)
}

// Index operations

func (s *service) IndexFile(ctx context.Context, fileID uuid.UUID) (*IndexReport, error) {
	file, err := s.repository.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("could not index file: %w", err)
	}
	return s.indexFile(ctx, file)
}

func (s *service) indexFile(ctx context.Context, file *File) (*IndexReport, error) {
	if s.index == nil {
		return &IndexReport{FileID: file.ID}, nil
	}
	fileType, err := s.types.Resolve(ctx, file.TypeID)
	if err != nil {
		return nil, &FileError{FileID: file.ID, Op: "resolve_type", Err: err}
	}
	text, err := s.latestText(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	return s.index.Index(ctx, file, fileType, text), nil
}

// latestText renders the contents of the latest version, or the empty
// string when the file has no versions yet
func (s *service) latestText(ctx context.Context, fileID uuid.UUID) (string, error) {
	version, err := s.versions.FindLatest(ctx, fileID)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", &FileError{FileID: fileID, Op: "find_latest_version", Err: err}
	}
	contents, err := s.contents.Get(ctx, version.ContentsSha224)
	if err != nil {
		return "", &VersionError{VersionID: version.ID, Op: "get_contents", Err: err}
	}
	return contents.Text(), nil
}

func (s *service) IndexDocument(ctx context.Context, externalID, typeName string) (*IndexReport, error) {
	fileType, err := s.types.ResolveName(ctx, typeName)
	if err != nil {
		return nil, err
	}
	doc, err := s.repository.GetDocumentByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	file, err := s.repository.FindFileByDocumentAndType(ctx, doc.ID, fileType.ID)
	if err != nil {
		return nil, err
	}
	return s.indexFile(ctx, file)
}

func (s *service) IndexAllOfType(ctx context.Context, typeName string) (*IndexAllResult, error) {
	fileType, err := s.types.ResolveName(ctx, typeName)
	if err != nil {
		return nil, err
	}
	result := &IndexAllResult{Type: fileType.Name}
	err = s.repository.ForEachFileByType(ctx, fileType.ID, func(file *File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := s.indexFile(ctx, file)
		if err == nil {
			err = report.Err()
		}
		if err != nil {
			result.Failed++
			s.logger.Warn("Failed to index file", "file_id", file.ID, "type", fileType.Name, "err", err)
			return nil
		}
		if report.Skipped() {
			result.Skipped++
			return nil
		}
		result.Indexed++
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to index files of type %s: %w", fileType.Name, err)
	}
	s.logger.Info("Indexed files of type", "type", fileType.Name,
		"indexed", result.Indexed, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (s *service) DeleteFromIndex(ctx context.Context, fileID uuid.UUID) (*IndexReport, error) {
	if s.index == nil {
		return &IndexReport{FileID: fileID}, nil
	}
	return s.index.Delete(ctx, fileID), nil
}

func (s *service) FindIndexDrift(ctx context.Context) (*IndexDrift, error) {
	drift := &IndexDrift{OnlyInIndex: []uuid.UUID{}, OnlyInStore: []uuid.UUID{}}
	if s.index == nil {
		return drift, nil
	}
	indexed, err := s.index.GetAllIDs(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := s.repository.ListFileIDs(ctx)
	if err != nil {
		return nil, err
	}
	unindexable, err := s.unindexableFiles(ctx)
	if err != nil {
		return nil, err
	}

	inIndex := make(map[uuid.UUID]struct{}, len(indexed))
	for _, id := range indexed {
		inIndex[id] = struct{}{}
	}
	inStore := make(map[uuid.UUID]struct{}, len(stored))
	for _, id := range stored {
		inStore[id] = struct{}{}
		if _, skip := unindexable[id]; skip {
			continue
		}
		if _, ok := inIndex[id]; !ok {
			drift.OnlyInStore = append(drift.OnlyInStore, id)
		}
	}
	for _, id := range indexed {
		if _, ok := inStore[id]; !ok {
			drift.OnlyInIndex = append(drift.OnlyInIndex, id)
		}
	}
	sortIDs(drift.OnlyInIndex)
	sortIDs(drift.OnlyInStore)
	return drift, nil
}

// unindexableFiles returns the ids of files whose type no indexer supports
func (s *service) unindexableFiles(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	types, err := s.repository.ListTypes(ctx)
	if err != nil {
		return nil, err
	}
	ids := map[uuid.UUID]struct{}{}
	for _, t := range types {
		if s.index.Accepts(t.Mimetype) {
			continue
		}
		err := s.repository.ForEachFileByType(ctx, t.ID, func(file *File) error {
			ids[file.ID] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list files of type %s: %w", t.Name, err)
		}
	}
	return ids, nil
}

// Import operations

func (s *service) RunImport(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if err := s.checkPayload(req.Contents); err != nil {
		return nil, err
	}
	result, err := s.importer.Run(ctx, req)
	if err != nil {
		var fe *FileError
		if errors.As(err, &fe) {
			s.logger.Error("Import failed", "external_id", req.ExternalID, "file_id", fe.FileID, "err", err)
		}
		return nil, err
	}
	return result, nil
}

func sortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
}
