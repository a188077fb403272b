package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/p-n-ai/pai-tracker/internal/tracker"
)

// envelope is the body of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// writeError reports an operation failure with the status its error class
// maps to.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()),
			"error", err,
		)
	}
	res := tracker.ResultOf(err, "")
	writeJSON(w, status, envelope{Success: res.OK, Message: res.Message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrCapacityExceeded),
		errors.Is(err, tracker.ErrDuplicateCourse),
		errors.Is(err, tracker.ErrDuplicateSubject),
		errors.Is(err, tracker.ErrDuplicateTopic),
		errors.Is(err, tracker.ErrSlotTaken),
		errors.Is(err, tracker.ErrFrozen),
		errors.Is(err, tracker.ErrEnrollmentCompleted),
		errors.Is(err, tracker.ErrLevelNotCurrent):
		return http.StatusConflict
	case tracker.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case tracker.IsBackend(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
