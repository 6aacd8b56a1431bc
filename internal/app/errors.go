package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"blocksync/internal/gitrepo"
	"blocksync/internal/store"
)

// ErrUnknownRevision is returned when a revision id names no commit of the
// document.
var ErrUnknownRevision = gitrepo.ErrUnknownRevision

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

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

func validateDocumentID(documentID string) error {
	if !documentIDPattern.MatchString(documentID) {
		return domainError(http.StatusBadRequest, "INVALID_DOCUMENT_ID", "Document id must be 1-128 letters, digits, '-' or '_'", nil)
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, ErrUnknownRevision) {
		return http.StatusNotFound, "UNKNOWN_REVISION", "Unknown revision", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
