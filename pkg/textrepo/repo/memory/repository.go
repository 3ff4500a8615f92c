package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/textrepo/pkg/textrepo"
)

type metadataKey struct {
	ownerType textrepo.OwnerType
	ownerID   uuid.UUID
	key       string
}

type documentTypeKey struct {
	documentID uuid.UUID
	typeID     int16
}

// Repository implements textrepo.Repository using in-memory storage. It
// enforces the same references and uniqueness rules as the SQL stores.
type Repository struct {
	mu             sync.RWMutex
	contents       map[string][]byte
	types          map[int16]*textrepo.FileType
	typesByName    map[string]int16
	nextTypeID     int16
	documents      map[uuid.UUID]*textrepo.Document
	documentsByExt map[string]uuid.UUID
	files          map[uuid.UUID]*textrepo.File
	fileDocuments  map[documentTypeKey]uuid.UUID // (document_id, type_id) -> file_id
	versions       map[uuid.UUID]*textrepo.Version
	versionsByFile map[uuid.UUID][]uuid.UUID
	metadata       map[metadataKey]string
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		contents:       make(map[string][]byte),
		types:          make(map[int16]*textrepo.FileType),
		typesByName:    make(map[string]int16),
		documents:      make(map[uuid.UUID]*textrepo.Document),
		documentsByExt: make(map[string]uuid.UUID),
		files:          make(map[uuid.UUID]*textrepo.File),
		fileDocuments:  make(map[documentTypeKey]uuid.UUID),
		versions:       make(map[uuid.UUID]*textrepo.Version),
		versionsByFile: make(map[uuid.UUID][]uuid.UUID),
		metadata:       make(map[metadataKey]string),
	}
}

// Contents operations

func (r *Repository) InsertContents(ctx context.Context, contents *textrepo.Contents) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contents[contents.Sha224]; exists {
		return nil
	}
	r.contents[contents.Sha224] = bytes.Clone(contents.Contents)
	return nil
}

func (r *Repository) GetContents(ctx context.Context, sha224 string) (*textrepo.Contents, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.contents[sha224]
	if !exists {
		return nil, textrepo.ErrContentsNotFound
	}
	return &textrepo.Contents{Sha224: sha224, Contents: bytes.Clone(b)}, nil
}

func (r *Repository) DeleteContents(ctx context.Context, sha224 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contents[sha224]; !exists {
		return nil
	}
	for _, v := range r.versions {
		if v.ContentsSha224 == sha224 {
			return fmt.Errorf("%w: contents %s used by version %s", textrepo.ErrStillReferenced, sha224, v.ID)
		}
	}
	delete(r.contents, sha224)
	return nil
}

// Count returns the number of stored contents rows
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contents)
}

// Type operations

func (r *Repository) CreateType(ctx context.Context, fileType *textrepo.FileType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.typesByName[fileType.Name]; exists {
		return fmt.Errorf("%w: type %s already exists", textrepo.ErrConflict, fileType.Name)
	}
	r.nextTypeID++
	fileType.ID = r.nextTypeID
	typeCopy := *fileType
	r.types[typeCopy.ID] = &typeCopy
	r.typesByName[typeCopy.Name] = typeCopy.ID
	return nil
}

func (r *Repository) GetType(ctx context.Context, id int16) (*textrepo.FileType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[id]
	if !exists {
		return nil, textrepo.ErrTypeNotFound
	}
	typeCopy := *t
	return &typeCopy, nil
}

func (r *Repository) GetTypeByName(ctx context.Context, name string) (*textrepo.FileType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.typesByName[name]
	if !exists {
		return nil, textrepo.ErrTypeNotFound
	}
	typeCopy := *r.types[id]
	return &typeCopy, nil
}

func (r *Repository) ListTypes(ctx context.Context) ([]*textrepo.FileType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*textrepo.FileType, 0, len(r.types))
	for _, t := range r.types {
		typeCopy := *t
		result = append(result, &typeCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Document operations

func (r *Repository) CreateDocument(ctx context.Context, doc *textrepo.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.documents[doc.ID]; exists {
		return fmt.Errorf("%w: document %s already exists", textrepo.ErrConflict, doc.ID)
	}
	if _, exists := r.documentsByExt[doc.ExternalID]; exists {
		return fmt.Errorf("%w: external id %s already exists", textrepo.ErrConflict, doc.ExternalID)
	}
	docCopy := *doc
	r.documents[doc.ID] = &docCopy
	r.documentsByExt[doc.ExternalID] = doc.ID
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (*textrepo.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, exists := r.documents[id]
	if !exists {
		return nil, textrepo.ErrDocumentNotFound
	}
	docCopy := *doc
	return &docCopy, nil
}

func (r *Repository) GetDocumentByExternalID(ctx context.Context, externalID string) (*textrepo.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.documentsByExt[externalID]
	if !exists {
		return nil, textrepo.ErrDocumentNotFound
	}
	docCopy := *r.documents[id]
	return &docCopy, nil
}

// File operations

func (r *Repository) CreateFile(ctx context.Context, file *textrepo.File, documentID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.files[file.ID]; exists {
		return fmt.Errorf("%w: file %s already exists", textrepo.ErrConflict, file.ID)
	}
	if _, exists := r.types[file.TypeID]; !exists {
		return textrepo.ErrTypeNotFound
	}
	if documentID != nil {
		if _, exists := r.documents[*documentID]; !exists {
			return textrepo.ErrDocumentNotFound
		}
		key := documentTypeKey{documentID: *documentID, typeID: file.TypeID}
		if _, exists := r.fileDocuments[key]; exists {
			return fmt.Errorf("%w: document %s already has a file of type %d", textrepo.ErrConflict, *documentID, file.TypeID)
		}
		r.fileDocuments[key] = file.ID
	}
	fileCopy := *file
	r.files[file.ID] = &fileCopy
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id uuid.UUID) (*textrepo.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file, exists := r.files[id]
	if !exists {
		return nil, textrepo.ErrFileNotFound
	}
	fileCopy := *file
	return &fileCopy, nil
}

func (r *Repository) UpsertFile(ctx context.Context, file *textrepo.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[file.TypeID]; !exists {
		return textrepo.ErrTypeNotFound
	}
	if existing, exists := r.files[file.ID]; exists && existing.TypeID != file.TypeID {
		for key, id := range r.fileDocuments {
			if id != file.ID {
				continue
			}
			moved := documentTypeKey{documentID: key.documentID, typeID: file.TypeID}
			if _, taken := r.fileDocuments[moved]; taken {
				return fmt.Errorf("%w: document %s already has a file of type %d", textrepo.ErrConflict, key.documentID, file.TypeID)
			}
			delete(r.fileDocuments, key)
			r.fileDocuments[moved] = file.ID
			break
		}
	}
	fileCopy := *file
	r.files[file.ID] = &fileCopy
	return nil
}

func (r *Repository) FindFileByDocumentAndType(ctx context.Context, documentID uuid.UUID, typeID int16) (*textrepo.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.fileDocuments[documentTypeKey{documentID: documentID, typeID: typeID}]
	if !exists {
		return nil, textrepo.ErrFileNotFound
	}
	fileCopy := *r.files[id]
	return &fileCopy, nil
}

func (r *Repository) ForEachFileByType(ctx context.Context, typeID int16, fn func(*textrepo.File) error) error {
	r.mu.RLock()
	var files []*textrepo.File
	for _, f := range r.files {
		if f.TypeID == typeID {
			fileCopy := *f
			files = append(files, &fileCopy)
		}
	}
	r.mu.RUnlock()

	// fn may call back into the repository, so it runs without the lock
	sortFiles(files)
	for _, f := range files {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) ListFileIDs(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.files))
	for id := range r.files {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids, nil
}

func sortFiles(files []*textrepo.File) {
	sort.Slice(files, func(i, j int) bool {
		return bytes.Compare(files[i].ID[:], files[j].ID[:]) < 0
	})
}

// Version operations

func (r *Repository) CreateVersion(ctx context.Context, version *textrepo.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.versions[version.ID]; exists {
		return fmt.Errorf("%w: version %s already exists", textrepo.ErrConflict, version.ID)
	}
	if _, exists := r.files[version.FileID]; !exists {
		return textrepo.ErrFileNotFound
	}
	if _, exists := r.contents[version.ContentsSha224]; !exists {
		return textrepo.ErrContentsNotFound
	}
	versionCopy := *version
	r.versions[version.ID] = &versionCopy
	r.versionsByFile[version.FileID] = append(r.versionsByFile[version.FileID], version.ID)
	return nil
}

func (r *Repository) GetVersion(ctx context.Context, id uuid.UUID) (*textrepo.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.versions[id]
	if !exists {
		return nil, textrepo.ErrVersionNotFound
	}
	versionCopy := *v
	return &versionCopy, nil
}

func (r *Repository) FindLatestVersion(ctx context.Context, fileID uuid.UUID) (*textrepo.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *textrepo.Version
	for _, id := range r.versionsByFile[fileID] {
		v := r.versions[id]
		if latest == nil || v.Newer(latest) {
			latest = v
		}
	}
	if latest == nil {
		return nil, textrepo.ErrVersionNotFound
	}
	versionCopy := *latest
	return &versionCopy, nil
}

func (r *Repository) ListVersions(ctx context.Context, params textrepo.ListVersionsParams) ([]*textrepo.Version, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*textrepo.Version
	for _, id := range r.versionsByFile[params.FileID] {
		v := r.versions[id]
		if params.CreatedAfter != nil && !v.CreatedAt.After(*params.CreatedAfter) {
			continue
		}
		versionCopy := *v
		all = append(all, &versionCopy)
	}

	// Sort newest first
	sort.Slice(all, func(i, j int) bool {
		return all[i].Newer(all[j])
	})

	total := len(all)
	start := min(params.Page.Offset, total)
	end := total
	if params.Page.Limit > 0 {
		end = min(start+params.Page.Limit, total)
	}
	return all[start:end], total, nil
}

func (r *Repository) DeleteVersion(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.versions[id]
	if !exists {
		return textrepo.ErrVersionNotFound
	}
	delete(r.versions, id)
	r.versionsByFile[v.FileID] = slices.DeleteFunc(r.versionsByFile[v.FileID], func(other uuid.UUID) bool {
		return other == id
	})
	if len(r.versionsByFile[v.FileID]) == 0 {
		delete(r.versionsByFile, v.FileID)
	}
	return nil
}

// Metadata operations

func (r *Repository) UpsertMetadata(ctx context.Context, entry *textrepo.MetadataEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch entry.OwnerType {
	case textrepo.OwnerTypeFile:
		if _, exists := r.files[entry.OwnerID]; !exists {
			return textrepo.ErrFileNotFound
		}
	case textrepo.OwnerTypeDocument:
		if _, exists := r.documents[entry.OwnerID]; !exists {
			return textrepo.ErrDocumentNotFound
		}
	default:
		return fmt.Errorf("%w: unknown owner type %q", textrepo.ErrBadInput, entry.OwnerType)
	}
	r.metadata[metadataKey{ownerType: entry.OwnerType, ownerID: entry.OwnerID, key: entry.Key}] = entry.Value
	return nil
}

func (r *Repository) GetMetadata(ctx context.Context, ownerType textrepo.OwnerType, ownerID uuid.UUID) ([]*textrepo.MetadataEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*textrepo.MetadataEntry
	for k, v := range r.metadata {
		if k.ownerType == ownerType && k.ownerID == ownerID {
			result = append(result, &textrepo.MetadataEntry{
				OwnerType: ownerType,
				OwnerID:   ownerID,
				Key:       k.key,
				Value:     v,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

var _ textrepo.Repository = (*Repository)(nil)
