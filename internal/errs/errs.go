// Package errs classifies pipeline failures so that the watchdog can tell
// per-message problems from failures that must stop the process.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	// KindData is a per-message problem; the message or field is skipped.
	KindData Kind = "data"
	// KindResource is a pool borrow failure.
	KindResource Kind = "resource"
	// KindThread is a failure that terminated a provider or loader task.
	KindThread Kind = "thread"
	// KindLoaders means every loader task has exited.
	KindLoaders Kind = "loaders"
	KindConfig  Kind = "config"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns nil when err is nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: errors.WithStack(err)}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

var ErrAllLoadersFailed = New(KindLoaders, "all loaders failed")
