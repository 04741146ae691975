package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"inkwell/api/internal/document"
	"inkwell/api/internal/export"
	"inkwell/api/internal/highlight"
	"inkwell/api/internal/loop"
	"inkwell/api/internal/store"
	"inkwell/api/internal/suggest"
	"inkwell/api/internal/workspace"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, workspace.ErrInvalidMode):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "mode must be chat or co-edit", nil
	case errors.Is(err, workspace.ErrEmptyMessage):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil
	case errors.Is(err, document.ErrOutOfBounds), errors.Is(err, highlight.ErrInvalidBounds):
		return http.StatusUnprocessableEntity, "OUT_OF_BOUNDS", err.Error(), nil
	case errors.Is(err, suggest.ErrBusy):
		return http.StatusConflict, "SUGGESTIONS_BUSY", "Suggestions are already being generated or applied", nil
	case errors.Is(err, suggest.ErrNoBatch):
		return http.StatusConflict, "NO_SUGGESTIONS", "There are no suggestions to accept", nil
	case errors.Is(err, suggest.ErrUnknownOption):
		return http.StatusNotFound, "UNKNOWN_OPTION", "Suggestion option not found", nil
	case errors.Is(err, suggest.ErrNoActiveRange):
		return http.StatusConflict, "NO_HIGHLIGHT", "Highlight a passage first", nil
	case errors.Is(err, suggest.ErrNotCoEdit):
		return http.StatusConflict, "NOT_CO_EDIT", "Switch to co-edit mode for suggestions", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", "format must be html or pdf", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	case errors.Is(err, export.ErrArchiveDisabled):
		return http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Export archive is not configured", nil
	case errors.Is(err, loop.ErrClosed):
		return http.StatusConflict, "WORKSPACE_CLOSED", "Workspace is closing", nil
	}
	return mapCode(err)
}

// mapCode maps errors raised with an errbuilder code. The builder's message
// names the failed step and goes out as the detail.
func mapCode(err error) (status int, code, message string, details any) {
	var built *errbuilder.ErrBuilder
	if errors.As(err, &built) && built.Msg != "" {
		details = map[string]string{"step": built.Msg}
	}
	switch errbuilder.CodeOf(err) {
	case errbuilder.CodeUnavailable:
		return http.StatusServiceUnavailable, "UNAVAILABLE", "A dependency is unavailable, try again shortly", details
	case errbuilder.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout, "TIMEOUT", "The operation timed out", details
	case errbuilder.CodeFailedPrecondition:
		return http.StatusConflict, "FAILED_PRECONDITION", "The server is not ready for this operation", details
	case errbuilder.CodeInvalidArgument:
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", details
	case errbuilder.CodeNotFound:
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
