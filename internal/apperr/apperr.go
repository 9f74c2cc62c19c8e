// Package apperr defines the machine-readable error kinds surfaced by the API.
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags an error with a stable, machine-readable category.
type Kind string

const (
	KindNotFound             Kind = "NotFound"
	KindValidation           Kind = "Validation"
	KindDimMismatch          Kind = "DimMismatch"
	KindBadVector            Kind = "BadVector"
	KindNotIndexed           Kind = "NotIndexed"
	KindAlreadyIndexing      Kind = "AlreadyIndexing"
	KindSuperseded           Kind = "Superseded"
	KindInvalidState         Kind = "InvalidState"
	KindEmbeddingUnavailable Kind = "EmbeddingUnavailable"
	KindEmbeddingAuth        Kind = "EmbeddingAuth"
	KindEmbeddingProtocol    Kind = "EmbeddingProtocol"
	KindPersistence          Kind = "Persistence"
	KindInternal             Kind = "Internal"
)

// Error carries a kind, a human-readable message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
