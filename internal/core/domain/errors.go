package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrTemporary    = errors.New("temporary failure")
	ErrConflict     = errors.New("conflict")

	ErrMethodUnavailable = errors.New("retrieval method unavailable")
	ErrNoCandidates      = errors.New("no candidates")
	ErrRerankDegraded    = errors.New("rerank degraded")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrCancelled         = errors.New("cancelled")
)

// ErrorKind is the wire tag of a pipeline failure carried by error events.
type ErrorKind string

const (
	KindMethodUnavailable ErrorKind = "MethodUnavailable"
	KindNoCandidates      ErrorKind = "NoCandidates"
	KindRerankDegraded    ErrorKind = "RerankDegraded"
	KindGenerationFailed  ErrorKind = "GenerationFailed"
	KindCancelled         ErrorKind = "Cancelled"
	KindInvalidInput      ErrorKind = "InvalidInput"
	KindInternal          ErrorKind = "Internal"
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

// KindOf maps an error chain to the taxonomy tag. Unknown errors are Internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrMethodUnavailable):
		return KindMethodUnavailable
	case errors.Is(err, ErrNoCandidates):
		return KindNoCandidates
	case errors.Is(err, ErrRerankDegraded):
		return KindRerankDegraded
	case errors.Is(err, ErrGenerationFailed):
		return KindGenerationFailed
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// SentinelFor is the inverse of KindOf for the pipeline taxonomy.
func SentinelFor(kind ErrorKind) error {
	switch kind {
	case KindMethodUnavailable:
		return ErrMethodUnavailable
	case KindNoCandidates:
		return ErrNoCandidates
	case KindRerankDegraded:
		return ErrRerankDegraded
	case KindGenerationFailed:
		return ErrGenerationFailed
	case KindCancelled:
		return ErrCancelled
	case KindInvalidInput:
		return ErrInvalidInput
	default:
		return errors.New("internal error")
	}
}
