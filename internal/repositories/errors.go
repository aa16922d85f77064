package repositories

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates repository failure categories.
type ErrorCode string

const (
	// ErrorNotFound indicates the document is missing.
	ErrorNotFound ErrorCode = "not_found"
	// ErrorConflict indicates a duplicate key or a stale version.
	ErrorConflict ErrorCode = "conflict"
	// ErrorUnavailable indicates a transient backend failure.
	ErrorUnavailable ErrorCode = "unavailable"
)

// Error is a RepositoryError produced by backends that do not carry their own classification.
type Error struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

var _ RepositoryError = (*Error)(nil)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.Code == ErrorNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.Code == ErrorConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.Code == ErrorUnavailable }

// NewError constructs a classified repository error.
func NewError(op string, code ErrorCode, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Op: op, Code: code, Message: message}
}

// IsNotFound reports whether err is a repository not-found failure.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a repository conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a transient repository failure.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
