// Package errs provides a small coded-error type used at the boundaries of
// the connection I/O engine, modeled after nabbar/golib's errors package but
// trimmed to the handful of codes this server actually emits.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies an error the way an HTTP status would, without being one.
type Code uint16

const (
	CodeNone         Code = 0
	CodeBadRequest   Code = 400
	CodeForbidden    Code = 403
	CodeNotFound     Code = 404
	CodeInternal     Code = 500
	CodeUnavailable  Code = 503
	CodePoolExhausted Code = 1000
	CodeTimerDup     Code = 1001
	CodeStartup      Code = 1002
)

func (c Code) String() string {
	switch c {
	case CodeBadRequest:
		return "bad request"
	case CodeForbidden:
		return "forbidden"
	case CodeNotFound:
		return "not found"
	case CodeInternal:
		return "internal error"
	case CodeUnavailable:
		return "unavailable"
	case CodePoolExhausted:
		return "pool exhausted"
	case CodeTimerDup:
		return "duplicate timer id"
	case CodeStartup:
		return "startup error"
	default:
		return "unknown error"
	}
}

// Error is a coded error with an optional parent, compatible with
// errors.Is/errors.As through Unwrap.
type Error struct {
	code   Code
	msg    string
	parent error
}

func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Wrap attaches a parent error to a code, keeping the parent reachable via
// errors.Unwrap/errors.Is.
func Wrap(code Code, parent error) *Error {
	if parent == nil {
		return &Error{code: code}
	}
	return &Error{code: code, parent: parent}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.msg != "" && e.parent != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.parent)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.code, e.msg)
	}
	if e.parent != nil {
		return fmt.Sprintf("%s: %v", e.code, e.parent)
	}
	return e.code.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.parent
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeNone
	}
	return e.code
}

// Is reports whether err carries the given code, unwrapping as needed.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code() == code
	}
	return false
}
