package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, domain.ErrNoRollbackPoint):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEnvironmentBusy), errors.Is(err, domain.ErrInvalidState), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrApprovalRequired):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrDependency), errors.Is(err, domain.ErrCyclicDependency),
		errors.Is(err, domain.ErrTestGateFailed), errors.Is(err, domain.ErrHealthCheckFailed),
		errors.Is(err, domain.ErrRollbackFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError translates a service error. Unexpected errors are logged
// and reported without detail.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
