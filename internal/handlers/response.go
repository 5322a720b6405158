package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/summitline/terrain/internal/errs"
)

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorType string `json:"error_type,omitempty"`
}

// RespondJSON writes a JSON response with the given status.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}

// RespondError maps a typed error to its HTTP status. Only invalid input,
// overload, and rate limiting are client-visible; everything else is an
// internal error, because the façade normally degrades failures to null
// elevations instead of surfacing them.
func RespondError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindInvalidInput:
		status = http.StatusBadRequest
	case errs.KindOverloaded:
		status = http.StatusServiceUnavailable
	case errs.KindRateLimited:
		status = http.StatusTooManyRequests
	}

	detail := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal error surfaced to handler", "error", err)
		detail = "internal error"
	}
	RespondJSON(w, status, errorResponse{Detail: detail, ErrorType: kind.String()})
}

// RespondBadRequest writes a 400 with the given detail.
func RespondBadRequest(w http.ResponseWriter, detail string) {
	RespondJSON(w, http.StatusBadRequest, errorResponse{Detail: detail, ErrorType: errs.KindInvalidInput.String()})
}
