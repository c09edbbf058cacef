// Package apperror defines the application's error taxonomy.
//
// Every failure the API can report maps to one sentinel below. Lower layers
// wrap a sentinel in an *AppError (with a client-safe message), and the HTTP
// layer turns it into a status code with errors.Is. Anything that is not an
// *AppError is treated as an internal error and its details are never sent
// to the client.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
	ErrMissingEmail = errors.New("missing email")
	ErrProvider     = errors.New("provider error")
)

type AppError struct {
	Err     error  // sentinel from the list above
	Message string // Human-readable error message, safe to return to clients
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying failure, for logs only
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a uniqueness violation on field (username, email,
// provider identity). The message is shown to the client as-is.
func Conflict(field, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
		Field:   field,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized is used for bad credentials and missing authentication.
// Callers must keep the message generic so it does not reveal whether an
// account exists.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

func InvalidToken(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidToken,
		Message: message,
	}
}

func Expired() *AppError {
	return &AppError{
		Err:     ErrExpired,
		Message: "token has expired",
	}
}

// MissingEmail is returned when an OAuth provider supplied no usable email
// through any of its endpoints.
func MissingEmail(provider string) *AppError {
	return &AppError{
		Err:     ErrMissingEmail,
		Message: fmt.Sprintf("Email not provided by %s", provider),
	}
}

// ProviderFailure wraps an upstream OAuth provider failure (timeout, non-2xx,
// undecodable response). cause is kept for logging only.
func ProviderFailure(provider, message string, cause error) *AppError {
	return &AppError{
		Err:     ErrProvider,
		Message: fmt.Sprintf("%s: %s", provider, message),
		Cause:   cause,
	}
}
