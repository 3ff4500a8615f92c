package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// IndexResultResponse is the outcome of one indexer
type IndexResultResponse struct {
	Indexer string `json:"indexer"`
	Message string `json:"message,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IndexReportResponse is the outcome of every indexer for one file
type IndexReportResponse struct {
	FileID  uuid.UUID             `json:"fileId"`
	Results []IndexResultResponse `json:"results"`
}

func newIndexReportResponse(report *textrepo.IndexReport) IndexReportResponse {
	resp := IndexReportResponse{FileID: report.FileID, Results: []IndexResultResponse{}}
	for _, res := range report.Results {
		item := IndexResultResponse{
			Indexer: res.Indexer,
			Message: res.Message,
			Skipped: res.Skipped,
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

// RunImport imports the multipart contents part for the document with the
// given external id. allowNewDocument=true creates the document when absent.
func (h *Handler) RunImport(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		h.writeError(w, r, "Failed to parse import form", err)
		return
	}
	contents, filename, err := formContents(r)
	if err != nil {
		h.writeError(w, r, "Invalid contents", err)
		return
	}
	allowNew, _ := strconv.ParseBool(r.URL.Query().Get("allowNewDocument"))

	result, err := h.service.RunImport(r.Context(), textrepo.ImportRequest{
		ExternalID:       chi.URLParam(r, "externalId"),
		TypeName:         chi.URLParam(r, "typeName"),
		Filename:         filename,
		Contents:         contents,
		AllowNewDocument: allowNew,
	})
	if err != nil {
		h.writeError(w, r, "Failed to import document contents", err)
		return
	}

	if result.VersionCreated {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, result)
}

// IndexFile indexes the latest contents of a file with every capable indexer
func (h *Handler) IndexFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "fileId")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	report, err := h.service.IndexFile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to index file", err)
		return
	}
	render.JSON(w, r, newIndexReportResponse(report))
}

// IndexDocument indexes the file of the given type owned by a document
func (h *Handler) IndexDocument(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.IndexDocument(r.Context(), chi.URLParam(r, "externalId"), chi.URLParam(r, "typeName"))
	if err != nil {
		h.writeError(w, r, "Failed to index document", err)
		return
	}
	render.JSON(w, r, newIndexReportResponse(report))
}

// IndexAllOfType indexes every file of a type
func (h *Handler) IndexAllOfType(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.IndexAllOfType(r.Context(), chi.URLParam(r, "typeName"))
	if err != nil {
		h.writeError(w, r, "Failed to index files", err)
		return
	}
	render.JSON(w, r, result)
}

// DeleteFromIndex removes a file from every index
func (h *Handler) DeleteFromIndex(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "fileId")
	if err != nil {
		h.writeError(w, r, "Invalid file ID", err)
		return
	}
	report, err := h.service.DeleteFromIndex(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "Failed to delete file from index", err)
		return
	}
	render.JSON(w, r, newIndexReportResponse(report))
}

// FindIndexDrift compares the file ids of the store with those of the indexes
func (h *Handler) FindIndexDrift(w http.ResponseWriter, r *http.Request) {
	drift, err := h.service.FindIndexDrift(r.Context())
	if err != nil {
		h.writeError(w, r, "Failed to compare indexes", err)
		return
	}
	if drift.OnlyInIndex == nil {
		drift.OnlyInIndex = []uuid.UUID{}
	}
	if drift.OnlyInStore == nil {
		drift.OnlyInStore = []uuid.UUID{}
	}
	render.JSON(w, r, drift)
}
