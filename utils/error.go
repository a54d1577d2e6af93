package utils

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrorRecordNotFound   = errors.New("record not found")
	ErrorAlreadyExists    = errors.New("already exists")
	ErrorConflict         = errors.New("write conflict")
	ErrorInUse            = errors.New("resource in use")
	ErrorPermissionDenied = errors.New("permission denied")
)

// ValidationError carries per-field reasons for rejected input.
// Matched with errors.As; wraps nothing.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for field, reason := range e.Fields {
		parts = append(parts, field+": "+reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// WrapPersistence marks an underlying store failure with its call site.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("persistence: %s: %w", op, err)
}
