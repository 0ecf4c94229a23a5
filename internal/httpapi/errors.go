package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/trivianft/trivianft/internal/trivia"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor translates the error taxonomy. A few codes carry their own
// status contract; the rest map by kind.
func statusFor(err error) int {
	switch trivia.CodeOf(err) {
	case "INSUFFICIENT_QUESTIONS":
		return http.StatusBadRequest
	case "ACTIVE_SESSION_EXISTS":
		return http.StatusConflict
	case "DAILY_LIMIT_REACHED", "COOLDOWN_ACTIVE":
		return http.StatusTooManyRequests
	}

	switch trivia.KindOf(err) {
	case trivia.KindInput:
		return http.StatusBadRequest
	case trivia.KindState, trivia.KindConflict:
		return http.StatusConflict
	case trivia.KindNotFound:
		return http.StatusNotFound
	case trivia.KindForbidden:
		return http.StatusForbidden
	case trivia.KindCapacity:
		return http.StatusTooManyRequests
	case trivia.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: trivia.CodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: "BAD_JSON"})
		return false
	}
	return true
}
