package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"quire/api/internal/auth"
	"quire/api/internal/block"
	"quire/api/internal/export"
	"quire/api/internal/oplog"
	"quire/api/internal/session"
	"quire/api/internal/store"
	"quire/api/internal/wire"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns service and engine errors into HTTP responses. The same
// codes are used in websocket reject envelopes.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, session.ErrForeignActor):
		return http.StatusForbidden, "FOREIGN_ACTOR", "Actor id belongs to another user", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, block.ErrUnknownBlock):
		return http.StatusConflict, "UNKNOWN_BLOCK", err.Error(), nil
	case errors.Is(err, wire.ErrMalformed):
		return http.StatusBadRequest, "INVALID_MESSAGE", err.Error(), nil
	case errors.Is(err, wire.ErrUnsupportedVersion):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_VERSION", err.Error(), nil
	case block.IsRejected(err):
		return http.StatusUnprocessableEntity, "INVALID_OPERATION", err.Error(), nil
	case errors.Is(err, oplog.ErrAppend):
		return http.StatusServiceUnavailable, "LOG_APPEND_FAILED", "Operation could not be stored", nil
	case errors.Is(err, oplog.ErrTruncated):
		return http.StatusGone, "LOG_TRUNCATED", "Requested operations were compacted; reload the snapshot", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be markdown, html or pdf", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
