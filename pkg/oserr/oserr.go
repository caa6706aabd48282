// Package oserr defines the error taxonomy shared across the orchestrator.
// Every failure that crosses a component boundary is tagged with a Kind and a
// retryability hint so callers can decide between backoff, skip, and abort
// without string-matching messages.
package oserr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator failure.
type Kind string

const (
	KindConfig       Kind = "config"
	KindValidation   Kind = "validation"
	KindFilesystem   Kind = "filesystem"
	KindTool         Kind = "tool"
	KindLLMTransient Kind = "llm_transient"
	KindLLMFatal     Kind = "llm_fatal"
	KindNoProgress   Kind = "no_progress"
	KindInterrupt    Kind = "interrupt"
)

// Error tags an underlying error with its Kind and retryability.
type Error struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %v (retryable: %t)", e.Kind, e.Err, e.Retryable)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error from a format string.
func New(kind Kind, retryable bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. A nil err yields nil.
func Wrap(kind Kind, retryable bool, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Retryable: retryable, Err: err}
}

// Config tags a configuration error (never retryable).
func Config(format string, args ...any) *Error {
	return New(KindConfig, false, format, args...)
}

// Validation tags a validation error (never retryable).
func Validation(format string, args ...any) *Error {
	return New(KindValidation, false, format, args...)
}

// Filesystem tags a filesystem error (never retryable).
func Filesystem(err error) *Error {
	return Wrap(KindFilesystem, false, err)
}

// Tool tags a tool-handler error; retryability is the handler's call.
func Tool(retryable bool, err error) *Error {
	return Wrap(KindTool, retryable, err)
}

// LLMTransient tags a retryable LLM/network error.
func LLMTransient(err error) *Error {
	return Wrap(KindLLMTransient, true, err)
}

// LLMFatal tags a non-retryable LLM error (auth, quota, invalid key).
func LLMFatal(err error) *Error {
	return Wrap(KindLLMFatal, false, err)
}

// NoProgress tags an agent that exhausted its grace turns without producing
// its required deliverables.
func NoProgress(format string, args ...any) *Error {
	return New(KindNoProgress, false, format, args...)
}

// Interrupt tags a signal-driven shutdown.
func Interrupt(format string, args ...any) *Error {
	return New(KindInterrupt, false, format, args...)
}

// KindOf returns the Kind of err, or empty when err carries no tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is tagged retryable. Untagged errors are
// treated as not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
