package store

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates the resource was not found (or the caller is not a member).
type NotFoundError struct {
	Resource string
	IDs      []string
}

// NewNotFound builds a NotFoundError for the given ids.
func NewNotFound(resource string, ids ...string) *NotFoundError {
	return &NotFoundError{Resource: resource, IDs: ids}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(e.IDs, ", "))
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// BusinessRuleError is a recoverable, user-facing rejection such as revoking another
// user's message.
type BusinessRuleError struct {
	Code    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return e.Message
}

// WriteConflictError reports contention between concurrent transactions. It is the only
// failure the send coordinator retries.
type WriteConflictError struct {
	Op  string
	Err error
}

func (e *WriteConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("write conflict during %s", e.Op)
	}
	return fmt.Sprintf("write conflict during %s: %v", e.Op, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// ForbiddenError indicates insufficient access.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// IsTransient reports whether err is a write conflict that may succeed when retried.
func IsTransient(err error) bool {
	var conflict *WriteConflictError
	return errors.As(err, &conflict)
}
