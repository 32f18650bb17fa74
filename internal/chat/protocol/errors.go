package protocol

import (
	"errors"
	"fmt"
)

// Code classifies a per-command failure reported to the client.
type Code string

// Error codes sent in the "code" field of an error event.
const (
	CodeInvalidArgument  Code = "InvalidArgument"
	CodeNotFound         Code = "NotFound"
	CodeNotMember        Code = "NotMember"
	CodeUnknownCommand   Code = "UnknownCommand"
	CodeCapacityExceeded Code = "CapacityExceeded"
	CodeRateLimited      Code = "RateLimited"
	CodeInternal         Code = "Internal"
)

// Error is a recoverable, client-visible command failure.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the protocol code carried by err, or CodeInternal when err
// does not wrap an *Error.
//
// Precondition: err must be non-nil.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// messageOf returns the client-facing text for err. Errors that are not
// protocol errors are reported generically so internal detail stays server-side.
func messageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return "internal server error"
}
