package app

import (
	"errors"
	"fmt"
	"net/http"

	"loops/api/internal/auth"
	"loops/api/internal/blob"
	"loops/api/internal/store"
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

// Is matches any DomainError with the same code, so callers can test
// errors.Is(err, ErrNotFound) regardless of the message.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	ErrUnauthenticated  = domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Sign in required", nil)
	ErrPermissionDenied = domainError(http.StatusForbidden, "PERMISSION_DENIED", "Forbidden", nil)
	ErrNotFound         = domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	ErrAlreadyExists    = domainError(http.StatusConflict, "ALREADY_EXISTS", "Already exists", nil)
	ErrInvalidOperation = domainError(http.StatusConflict, "INVALID_OPERATION", "Invalid operation", nil)
	ErrValidation       = domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input", nil)
	ErrConnectivityLost = domainError(http.StatusServiceUnavailable, "CONNECTIVITY_LOST", "Store unreachable, try again", nil)
	ErrUploadFailed     = domainError(http.StatusBadGateway, "UPLOAD_FAILED", "Upload failed", nil)
	ErrContention       = domainError(http.StatusServiceUnavailable, "CONTENTION", "Too many concurrent changes, try again", nil)
)

func permissionDenied(message string) error {
	return domainError(http.StatusForbidden, ErrPermissionDenied.Code, message, nil)
}

func notFound(kind, id string) error {
	return domainError(http.StatusNotFound, ErrNotFound.Code, kind+" not found", map[string]string{"id": id})
}

func alreadyExists(message string) error {
	return domainError(http.StatusConflict, ErrAlreadyExists.Code, message, nil)
}

func invalidOperation(message string) error {
	return domainError(http.StatusConflict, ErrInvalidOperation.Code, message, nil)
}

func validationError(message string, details any) error {
	return domainError(http.StatusUnprocessableEntity, ErrValidation.Code, message, details)
}

// translate maps store and collaborator errors onto the domain taxonomy.
// DomainErrors and nil pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	switch {
	case errors.Is(err, blob.ErrUploadFailed):
		return domainError(http.StatusBadGateway, ErrUploadFailed.Code, ErrUploadFailed.Message, map[string]string{"cause": err.Error()})
	case store.IsConnectivity(err):
		return ErrConnectivityLost
	case errors.Is(err, store.ErrConflict):
		return ErrContention
	case errors.Is(err, store.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrAlreadyExists
	}
	return err
}

func mapError(err error) (status int, code, message string, details any) {
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return ErrUnauthenticated.Status, ErrUnauthenticated.Code, ErrUnauthenticated.Message, nil
	}
	var domainErr *DomainError
	if errors.As(translate(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
