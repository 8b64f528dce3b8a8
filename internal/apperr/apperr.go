// Package apperr classifies the failures a capture or OCR attempt can end with.
//
// Every terminal failure carries a Kind and a human-readable message. The kind
// decides how callers react (HTTP status, exit code); the message is what the
// user sees.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a failure category.
type Kind string

const (
	KindDevice       Kind = "device"
	KindTransport    Kind = "transport"
	KindService      Kind = "service"
	KindFormat       Kind = "format"
	KindEmptyInput   Kind = "empty_input"
	KindBusy         Kind = "busy"
	KindInvalidInput Kind = "invalid_input"
	KindUnknown      Kind = "unknown"
)

// Sentinels usable with errors.Is.
var (
	ErrDevice       = &Error{Kind: KindDevice}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrService      = &Error{Kind: KindService}
	ErrFormat       = &Error{Kind: KindFormat}
	ErrEmptyInput   = &Error{Kind: KindEmptyInput}
	ErrBusy         = &Error{Kind: KindBusy}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
)

// Error is a classified failure.
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

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrFormat) works
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Device(message string, cause error) *Error    { return New(KindDevice, message, cause) }
func Transport(message string, cause error) *Error { return New(KindTransport, message, cause) }
func Service(message string, cause error) *Error   { return New(KindService, message, cause) }
func Format(message string, cause error) *Error    { return New(KindFormat, message, cause) }
func EmptyInput(message string) *Error             { return New(KindEmptyInput, message, nil) }
func Busy(message string) *Error                   { return New(KindBusy, message, nil) }
func InvalidInput(message string, cause error) *Error {
	return New(KindInvalidInput, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the user-facing text for err. Unclassified errors fall back
// to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
