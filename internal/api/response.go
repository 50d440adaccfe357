package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gyaneshwarpardhi/pulsewire/internal/ledger"
	"github.com/gyaneshwarpardhi/pulsewire/internal/pulse"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return false
	}
	return true
}

// statusFor maps package sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pulse.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pulse.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status; unexpected errors are logged and
// their text withheld.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"event", "http_request_failed",
			"module", "internal/api",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
