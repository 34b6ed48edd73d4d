package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/taskexec/internal/domain"
)

// JSON writes a JSON response with the given status code, matching the
// teacher's api.JSON helper.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"kind":"internal","message":"failed to encode response"}}`, http.StatusInternalServerError)
	}
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// Error writes the `{"error":{"kind":...,"message":...}}` envelope
// (spec.md §7) at status.
func Error(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	JSON(w, status, body)
}

// WriteDomainError maps a domain error to its HTTP status and writes the
// error envelope. Non-domain errors are reported as internal.
func WriteDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	Error(w, statusForKind(kind), string(kind), err.Error())
}

// statusForKind maps an error kind to its HTTP status, colocated with
// route registration per SPEC_FULL.md §7.
func statusForKind(kind domain.ErrKind) int {
	switch kind {
	case domain.ErrConflict, domain.ErrNotRunning:
		return http.StatusConflict
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrBadRequest:
		return http.StatusBadRequest
	case domain.ErrUnauthorized:
		return http.StatusUnauthorized
	case domain.ErrForbidden:
		return http.StatusForbidden
	case domain.ErrRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
