package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// CreateVersion creates a version from the multipart fields fileId and contents
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		h.writeError(w, r, "Failed to parse version form", err)
		return
	}

	fileID, err := uuid.Parse(r.FormValue("fileId"))
	if err != nil {
		h.writeError(w, r, "Invalid file ID", fmt.Errorf("%w: invalid fileId", textrepo.ErrBadInput))
		return
	}
	contents, _, err := formContents(r)
	if err != nil {
		h.writeError(w, r, "Invalid contents", err)
		return
	}

	version, err := h.service.CreateVersion(r.Context(), textrepo.CreateVersionRequest{
		FileID:   fileID,
		Contents: contents,
	})
	if err != nil {
		h.writeError(w, r, "Failed to create version", err)
		return
	}

	h.logger.Info("Version created", "version_id", version.ID, "file_id", fileID)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, version)
}

// GetVersion returns one version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid version ID", err)
		return
	}
	version, err := h.service.GetVersion(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to get version", err)
		return
	}
	render.JSON(w, r, version)
}

// UpdateVersion always fails: versions are immutable
func (h *Handler) UpdateVersion(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusMethodNotAllowed)
	render.JSON(w, r, ErrorResponse{Error: "versions are immutable"})
}

// DeleteVersion deletes a version. Deleting an absent version succeeds.
func (h *Handler) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid version ID", err)
		return
	}
	if err := h.service.DeleteVersion(r.Context(), id); err != nil {
		h.writeError(w, r, "Failed to delete version", err)
		return
	}
	h.logger.Info("Version deleted", "version_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ListVersions pages through the versions of a file, newest first
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	fileID, err := parseID(r, "id")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}

	req := textrepo.ListVersionsRequest{FileID: fileID}
	query := r.URL.Query()
	if req.Page.Limit, err = queryInt(query.Get("limit")); err != nil {
		h.writeError(w, r, "Invalid limit", err)
		return
	}
	if req.Page.Offset, err = queryInt(query.Get("offset")); err != nil {
		h.writeError(w, r, "Invalid offset", err)
		return
	}
	if raw := query.Get("createdAfter"); raw != "" {
		after, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, r, "Invalid createdAfter", fmt.Errorf("%w: createdAfter must be RFC 3339", textrepo.ErrBadInput))
			return
		}
		req.CreatedAfter = &after
	}

	page, err := h.service.ListVersions(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "Failed to list versions", err)
		return
	}
	render.JSON(w, r, page)
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", textrepo.ErrBadInput, raw)
	}
	return n, nil
}
