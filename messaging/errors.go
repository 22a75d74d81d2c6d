package messaging

import (
	"errors"
	"fmt"
)

// Code classifies domain failures so callers can branch without string
// matching. Errors produced here survive the wrapping done by the db layer,
// use CodeOf to recover the code.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotFound
	CodeAlreadyExists
	CodeInvalidArgument
	CodeResourceExhausted
	CodeUnimplemented
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeResourceExhausted:
		return "resource_exhausted"
	case CodeUnimplemented:
		return "unimplemented"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

type Error struct {
	code  Code
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("messaging: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("messaging: %s", e.msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Code() Code {
	return e.code
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf unwraps err looking for a domain error and returns its code, or
// CodeUnknown if none is found.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeUnknown
}
