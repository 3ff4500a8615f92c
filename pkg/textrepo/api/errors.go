package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tendant/textrepo/pkg/textrepo"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error categories to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, textrepo.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, textrepo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, textrepo.ErrBadInput):
		return http.StatusBadRequest
	case errors.Is(err, textrepo.ErrConflict), errors.Is(err, textrepo.ErrStillReferenced):
		return http.StatusConflict
	case errors.Is(err, textrepo.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		h.logger.Debug(msg, "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}
