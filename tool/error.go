package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/frappemcp/docstore"
)

// Failure codes reported to observers and logs. They never appear in envelopes.
const (
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeValidation       = "VALIDATION_FAILED"
	CodeDuplicate        = "DUPLICATE"
	CodeTimeout          = "TIMEOUT"
	CodeCanceled         = "CANCELED"
	CodePanic            = "PANIC"
	CodeInvocationFailed = "INVOCATION_FAILED"
)

// ErrToolNotFound is returned for an unknown tool name.
var ErrToolNotFound = errors.New("tool not found")

// ArgumentError reports a missing, unexpected or mistyped argument.
type ArgumentError struct {
	Param   string
	Message string
}

func (e *ArgumentError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func argumentErrorf(param, format string, args ...any) *ArgumentError {
	return &ArgumentError{Param: param, Message: fmt.Sprintf(format, args...)}
}

// Failure is a classified invocation failure.
type Failure struct {
	Code    string
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// Classify maps err onto a failure code and the message shown to the caller.
// Typed store errors keep their own message even when wrapped.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var (
		failure  *Failure
		argErr   *ArgumentError
		notFound *docstore.NotFoundError
		permErr  *docstore.PermissionError
	)
	switch {
	case errors.As(err, &failure):
		return failure
	case errors.Is(err, ErrToolNotFound):
		return &Failure{Code: CodeToolNotFound, Message: err.Error(), Cause: err}
	case errors.As(err, &argErr):
		return &Failure{Code: CodeInvalidArgument, Message: argErr.Error(), Cause: err}
	case errors.As(err, &notFound):
		return &Failure{Code: CodeNotFound, Message: notFound.Error(), Cause: err}
	case errors.As(err, &permErr):
		return &Failure{Code: CodePermissionDenied, Message: permErr.Error(), Cause: err}
	case errors.Is(err, docstore.ErrValidation):
		return &Failure{Code: CodeValidation, Message: err.Error(), Cause: err}
	case errors.Is(err, docstore.ErrDuplicate):
		return &Failure{Code: CodeDuplicate, Message: err.Error(), Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Code: CodeTimeout, Message: err.Error(), Cause: err}
	case errors.Is(err, context.Canceled):
		return &Failure{Code: CodeCanceled, Message: err.Error(), Cause: err}
	}
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = unknownFailure
	}
	return &Failure{Code: CodeInvocationFailed, Message: message, Cause: err}
}
