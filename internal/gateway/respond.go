package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"wagateway/internal/domain"
	"wagateway/internal/upload"
)

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to 400 (caller mistakes) or 500 (everything else) and
// surfaces its message verbatim.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Message: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Message: msg})
}

func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case domain.IsValidation(err),
		errors.Is(err, upload.ErrTooLarge),
		errors.Is(err, upload.ErrUnsupportedType),
		errors.As(err, &tooBig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func slogLevelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
