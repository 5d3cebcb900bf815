package docstore

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is.
var (
	ErrNotFound   = errors.New("docstore: not found")
	ErrPermission = errors.New("docstore: insufficient permissions")
	ErrValidation = errors.New("docstore: validation failed")
	ErrDuplicate  = errors.New("docstore: duplicate entry")
)

// NotFoundError reports a missing document, or a missing DocType when Name is empty.
type NotFoundError struct {
	DocType string
	Name    string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ""
	}
	if e.Name == "" {
		return fmt.Sprintf("DocType %s not found", e.DocType)
	}
	return fmt.Sprintf("%s %s not found", e.DocType, e.Name)
}

// Is makes NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PermissionError reports that the caller lacks a permission type on a DocType
// or on one document.
type PermissionError struct {
	DocType string
	Name    string
	Perm    PermType
}

func (e *PermissionError) Error() string {
	if e == nil {
		return ""
	}
	perm := e.Perm
	if perm == "" {
		perm = PermRead
	}
	target := e.DocType
	if e.Name != "" {
		target += " " + e.Name
	}
	return fmt.Sprintf("Insufficient permissions to %s %s", perm, target)
}

// Is makes PermissionError match ErrPermission.
func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// ValidationError reports a document or query that does not satisfy its DocType.
type ValidationError struct {
	DocType string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "invalid value"
	}
	if e.DocType == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.DocType, msg)
}

// Is makes ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DuplicateError reports an insert whose name is already taken.
type DuplicateError struct {
	DocType string
	Name    string
}

func (e *DuplicateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %s already exists", e.DocType, e.Name)
}

// Is makes DuplicateError match ErrDuplicate.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

func validationErrorf(doctype, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		DocType: doctype,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}
