package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/clayne/389-ds-base/internal/errors"
)

// ErrorResponse is the body of every failed admin request.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// httpStatus maps a replication error to an HTTP status and error code.
func httpStatus(err error) (int, string) {
	switch errors.GetCode(err) {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.ErrCodeNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case errors.ErrCodeAlreadyExists:
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.ErrCodeTransientNetwork:
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case errors.ErrCodeSuffixHalted, errors.ErrCodeChangelogWrite, errors.ErrCodeCorruptChangelog:
		return http.StatusServiceUnavailable, "SUFFIX_HALTED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

func (s *AdminServer) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))
	}
	msg := err.Error()
	var re *errors.ReplError
	if stderrors.As(err, &re) {
		msg = re.Message
	}
	writeError(w, r, status, code, msg)
}
