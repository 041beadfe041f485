package app

import (
	"errors"
	"fmt"
	"net/http"

	"threadline/api/internal/thread"
)

var ErrTargetNotFound = errors.New("target not found")

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

// errNotFound is returned for every rejected token, whatever the cause.
func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func errTargetNotFound() *DomainError {
	return domainError(http.StatusNotFound, "TARGET_NOT_FOUND", "Target not found", nil)
}

func errMaxDepth(err *thread.MaxDepthExceededError) *DomainError {
	return domainError(http.StatusForbidden, "MAX_THREAD_LEVEL", "Comments on this target cannot be nested further", map[string]any{
		"maxDepth": err.Limit,
	})
}

func errValidation(fields map[string]string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid comment", fields)
}
