package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// CreateFileRequest is the request body for registering a file
type CreateFileRequest struct {
	TypeID     int16      `json:"typeId"`
	DocumentID *uuid.UUID `json:"documentId,omitempty"`
}

// UpdateFileRequest is the request body for changing the type of a file
type UpdateFileRequest struct {
	TypeID int16 `json:"typeId"`
}

// MetadataValueRequest is the request body for setting a metadata entry
type MetadataValueRequest struct {
	Value string `json:"value"`
}

// EnsureTypeRequest is the request body for registering a type
type EnsureTypeRequest struct {
	Name     string `json:"name"`
	Mimetype string `json:"mimetype"`
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", textrepo.ErrBadInput, err)
	}
	return nil
}

// CreateFile registers a file of the given type
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	var req CreateFileRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "Fail to decode request", err)
		return
	}

	file, err := h.service.CreateFile(r.Context(), textrepo.CreateFileRequest{
		TypeID:     req.TypeID,
		DocumentID: req.DocumentID,
	})
	if err != nil {
		h.writeError(w, r, "Failed to create file", err)
		return
	}

	h.logger.Info("File created", "file_id", file.ID, "type_id", file.TypeID)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, file)
}

// GetFile returns one file
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	file, err := h.service.GetFile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get file", err)
		return
	}
	render.JSON(w, r, file)
}

// UpdateFile changes the type of a file
func (h *Handler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	var req UpdateFileRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "Fail to decode request", err)
		return
	}
	file, err := h.service.UpdateFileType(r.Context(), id, req.TypeID)
	if err != nil {
		h.writeError(w, r, "Failed to update file", err)
		return
	}
	render.JSON(w, r, file)
}

// UploadFileContents stores the multipart contents part as the latest
// version of the file unless it is already the latest
func (h *Handler) UploadFileContents(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	if err := h.parseMultipart(w, r); err != nil {
		h.writeError(w, r, "Failed to parse upload form", err)
		return
	}
	contents, filename, err := formContents(r)
	if err != nil {
		h.writeError(w, r, "Invalid contents", err)
		return
	}

	version, err := h.service.UploadFileContents(r.Context(), textrepo.UploadFileContentsRequest{
		FileID:   id,
		Contents: contents,
		Filename: filename,
	})
	if err != nil {
		h.writeError(w, r, "Failed to upload contents", err)
		return
	}
	render.JSON(w, r, version)
}

// GetLatestFileContents writes the raw contents of the latest version
func (h *Handler) GetLatestFileContents(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	contents, err := h.service.GetLatestFileContents(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get latest contents", err)
		return
	}
	writeContents(w, contents)
}

// GetContents writes the raw contents with the given digest
func (h *Handler) GetContents(w http.ResponseWriter, r *http.Request) {
	contents, err := h.service.GetContents(r.Context(), chi.URLParam(r, "sha224"))
	if err != nil {
		h.writeError(w, r, "Failed to get contents", err)
		return
	}
	writeContents(w, contents)
}

func writeContents(w http.ResponseWriter, contents *textrepo.Contents) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+contents.Sha224+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(contents.Contents)
}

// GetFileMetadata returns the metadata of a file as a key/value object
func (h *Handler) GetFileMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	metadata, err := h.service.GetFileMetadata(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get file metadata", err)
		return
	}
	render.JSON(w, r, metadata)
}

// SetFileMetadata creates or replaces one metadata entry
func (h *Handler) SetFileMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	var req MetadataValueRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "Fail to decode request", err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.service.SetFileMetadata(r.Context(), id, key, req.Value); err != nil {
		h.writeError(w, r, "Failed to set file metadata", err)
		return
	}
	render.JSON(w, r, textrepo.MetadataEntry{Key: key, Value: req.Value})
}

// ListTypes returns every registered type
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.ListTypes(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to list types", err)
		return
	}
	render.JSON(w, r, types)
}

// GetType returns the type with the given name
func (h *Handler) GetType(w http.ResponseWriter, r *http.Request) {
	fileType, err := h.service.ResolveType(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, "Failed to get type", err)
		return
	}
	render.JSON(w, r, fileType)
}

// EnsureType registers a type unless one with the same name exists
func (h *Handler) EnsureType(w http.ResponseWriter, r *http.Request) {
	var req EnsureTypeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "Fail to decode request", err)
		return
	}
	if req.Name == "" || req.Mimetype == "" {
		h.writeError(w, r, "Invalid type", fmt.Errorf("%w: name and mimetype are required", textrepo.ErrBadInput))
		return
	}
	fileType, err := h.service.EnsureType(r.Context(), req.Name, req.Mimetype)
	if err != nil {
		h.writeError(w, r, "Failed to register type", err)
		return
	}
	render.JSON(w, r, fileType)
}
