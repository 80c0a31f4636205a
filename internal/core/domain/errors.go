package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrSourceNotFound   = errors.New("source message not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrCorruptInput     = errors.New("corrupt input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRejected         = errors.New("rejected by remote")
	ErrTemporary        = errors.New("temporary failure")
	ErrMetadataInvalid  = errors.New("metadata payload invalid")
	ErrCancelled        = errors.New("cancelled")
	ErrLeaseHeld        = errors.New("lease held by another owner")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

type ErrorClass string

const (
	ErrorClassNone       ErrorClass = ""
	ErrorClassRetryable  ErrorClass = "retryable"
	ErrorClassValidation ErrorClass = "validation"
	ErrorClassTerminal   ErrorClass = "terminal"
	ErrorClassCancelled  ErrorClass = "cancelled"
)

// Classify maps an error onto the pipeline taxonomy. A context.DeadlineExceeded that
// reaches this point comes from a per-call timeout and is retryable; cancellation of the
// task itself is reported by the caller as ErrCancelled or context.Canceled.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorClassCancelled
	case errors.Is(err, ErrMetadataInvalid):
		return ErrorClassValidation
	case errors.Is(err, ErrTemporary), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	default:
		return ErrorClassTerminal
	}
}
