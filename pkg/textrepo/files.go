package textrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileRegistry tracks files, the documents owning them and their metadata
type FileRegistry struct {
	repo  Repository
	types *TypeResolver
	newID func() uuid.UUID
	now   func() time.Time
}

// NewFileRegistry creates a file registry on top of repo
func NewFileRegistry(repo Repository, types *TypeResolver, newID func() uuid.UUID, now func() time.Time) *FileRegistry {
	return &FileRegistry{repo: repo, types: types, newID: newID, now: now}
}

// Create registers a new file of the given type, optionally owned by a document
func (r *FileRegistry) Create(ctx context.Context, typeID int16, documentID *uuid.UUID) (*File, error) {
	if _, err := r.types.Resolve(ctx, typeID); err != nil {
		return nil, err
	}
	file := &File{ID: r.newID(), TypeID: typeID}
	if err := r.repo.CreateFile(ctx, file, documentID); err != nil {
		return nil, &FileError{FileID: file.ID, Op: "create", Err: err}
	}
	return file, nil
}

// Get returns the file with the given id or ErrFileNotFound
func (r *FileRegistry) Get(ctx context.Context, id uuid.UUID) (*File, error) {
	return r.repo.GetFile(ctx, id)
}

// UpdateType corrects the type of an existing file. The identity never changes.
func (r *FileRegistry) UpdateType(ctx context.Context, id uuid.UUID, typeID int16) (*File, error) {
	if _, err := r.repo.GetFile(ctx, id); err != nil {
		return nil, err
	}
	if _, err := r.types.Resolve(ctx, typeID); err != nil {
		return nil, err
	}
	file := &File{ID: id, TypeID: typeID}
	if err := r.repo.UpsertFile(ctx, file); err != nil {
		return nil, &FileError{FileID: id, Op: "update_type", Err: err}
	}
	return file, nil
}

// GetOrCreateDocument finds the document with the external id, creating it
// when allowed
func (r *FileRegistry) GetOrCreateDocument(ctx context.Context, externalID string, allowNew bool) (*Document, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: external id is required", ErrBadInput)
	}
	doc, err := r.repo.GetDocumentByExternalID(ctx, externalID)
	if err == nil {
		return doc, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	if !allowNew {
		return nil, fmt.Errorf("%w: no document with external id %s", ErrDocumentNotFound, externalID)
	}
	doc = &Document{ID: r.newID(), ExternalID: externalID, CreatedAt: r.now()}
	if err := r.repo.CreateDocument(ctx, doc); err != nil {
		// lost a race against a concurrent import of the same external id
		if errors.Is(err, ErrConflict) {
			return r.repo.GetDocumentByExternalID(ctx, externalID)
		}
		return nil, fmt.Errorf("failed to create document %s: %w", externalID, err)
	}
	return doc, nil
}

// GetOrCreateFile finds the file of the given type owned by the document,
// creating it when absent
func (r *FileRegistry) GetOrCreateFile(ctx context.Context, doc *Document, typeID int16) (*File, error) {
	file, err := r.repo.FindFileByDocumentAndType(ctx, doc.ID, typeID)
	if err == nil {
		return file, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	file, err = r.Create(ctx, typeID, &doc.ID)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return r.repo.FindFileByDocumentAndType(ctx, doc.ID, typeID)
		}
		return nil, err
	}
	return file, nil
}

// SetMetadata upserts one metadata entry of a file
func (r *FileRegistry) SetMetadata(ctx context.Context, fileID uuid.UUID, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: metadata key is required", ErrBadInput)
	}
	if _, err := r.repo.GetFile(ctx, fileID); err != nil {
		return err
	}
	entry := &MetadataEntry{
		OwnerType: OwnerTypeFile,
		OwnerID:   fileID,
		Key:       key,
		Value:     value,
	}
	if err := r.repo.UpsertMetadata(ctx, entry); err != nil {
		return &FileError{FileID: fileID, Op: "set_metadata", Err: err}
	}
	return nil
}

// Metadata returns the metadata of a file as a map
func (r *FileRegistry) Metadata(ctx context.Context, fileID uuid.UUID) (map[string]string, error) {
	if _, err := r.repo.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	entries, err := r.repo.GetMetadata(ctx, OwnerTypeFile, fileID)
	if err != nil {
		return nil, &FileError{FileID: fileID, Op: "get_metadata", Err: err}
	}
	result := make(map[string]string, len(entries))
	for _, e := range entries {
		result[e.Key] = e.Value
	}
	return result, nil
}
