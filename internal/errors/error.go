package errors

import (
	stderrors "errors"
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryNetwork  Category = "network"
	CategoryProtocol Category = "protocol"
	CategoryRuntime  Category = "runtime"
	CategoryConfig   Category = "config"
	CategorySink     Category = "sink"
	CategoryCLI      Category = "cli"
)

// WavebenchError is a structured error with a registered code, the worker or
// peer it concerns, and a hint for the operator.
type WavebenchError struct {
	// Code is a unique error identifier (e.g., "E101").
	Code string

	// Category is the error type (network, protocol, etc.).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// WorkerID is the logical worker the error concerns, if any.
	WorkerID string

	// Peer is the remote or local address involved, if any.
	Peer string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *WavebenchError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *WavebenchError) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a WavebenchError with the same code.
func (e *WavebenchError) Is(target error) bool {
	t, ok := target.(*WavebenchError)
	if !ok || t.Code == "" {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a detailed explanation to the error.
func (e *WavebenchError) WithDetail(d string) *WavebenchError {
	e.Detail = d
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *WavebenchError) WithSuggestion(s string) *WavebenchError {
	e.Suggestion = s
	return e
}

// WithWorker records the worker id the error concerns.
func (e *WavebenchError) WithWorker(id string) *WavebenchError {
	e.WorkerID = id
	return e
}

// WithPeer records the address the error concerns.
func (e *WavebenchError) WithPeer(addr string) *WavebenchError {
	e.Peer = addr
	return e
}

// Wrap wraps another error.
func (e *WavebenchError) Wrap(err error) *WavebenchError {
	e.Wrapped = err
	return e
}

// New creates a WavebenchError from a registered error code.
func New(code string) *WavebenchError {
	template, ok := registry[code]
	if !ok {
		return &WavebenchError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &WavebenchError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		Detail:   template.Detail,
	}
}

// Newf creates a new WavebenchError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *WavebenchError {
	return &WavebenchError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in a WavebenchError.
func FromError(err error, code string) *WavebenchError {
	if err == nil {
		return nil
	}
	var we *WavebenchError
	if stderrors.As(err, &we) {
		return we
	}
	return New(code).Wrap(err)
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code string) bool {
	return stderrors.Is(err, &WavebenchError{Code: code})
}

// CodeOf returns the code of the first WavebenchError in err's chain.
func CodeOf(err error) string {
	var we *WavebenchError
	if stderrors.As(err, &we) {
		return we.Code
	}
	return ""
}
