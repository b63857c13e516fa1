package model

import (
	"errors"
	"fmt"
	"strings"
)

// UserValueError reports a bad or forbidden parameter value. Its message
// is safe to surface verbatim to the user.
type UserValueError struct {
	Parameter string
	Message   string
}

func (e *UserValueError) Error() string {
	if e.Parameter == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Parameter, e.Message)
}

// NewUserValueError creates a UserValueError for the given parameter.
func NewUserValueError(parameter, format string, args ...any) *UserValueError {
	return &UserValueError{Parameter: parameter, Message: fmt.Sprintf(format, args...)}
}

// UnsupportedFormatError reports that no converter chain exists from the
// detected data format to any of the accepted formats.
type UnsupportedFormatError struct {
	Parameter string
	Detected  string
	Accepted  []string
}

func (e *UnsupportedFormatError) Error() string {
	detected := e.Detected
	if detected == "" {
		detected = "unrecognized"
	}
	return fmt.Sprintf("%s: format %s is not supported (accepted: %s)",
		e.Parameter, detected, strings.Join(e.Accepted, ", "))
}

// InternalError wraps an internal inconsistency. The cause is logged with
// full detail; users only ever see the generic message.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Cause)
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// UserMessage is the only internal-error text the presentation layer may
// show. Paths and stack detail never leak through it.
func (e *InternalError) UserMessage() string {
	return "internal server error"
}

// Internal wraps err in an InternalError.
func Internal(err error) *InternalError {
	return &InternalError{Cause: err}
}

// Internalf creates an InternalError from a formatted message.
func Internalf(format string, args ...any) *InternalError {
	return &InternalError{Cause: fmt.Errorf(format, args...)}
}

// UserFacing reduces any error to the message the presentation layer
// may show. User and format errors pass through verbatim; everything
// else collapses to the generic internal failure text so paths and
// stack detail never leak.
func UserFacing(err error) string {
	var user *UserValueError
	if errors.As(err, &user) {
		return user.Error()
	}
	var format *UnsupportedFormatError
	if errors.As(err, &format) {
		return format.Error()
	}
	var comm *CommError
	if errors.As(err, &comm) {
		return fmt.Sprintf("communication error with %s", comm.Endpoint)
	}
	var internal *InternalError
	if errors.As(err, &internal) {
		return internal.UserMessage()
	}
	return "internal server error"
}

// CommError reports a remote-delegation or grid-session transport
// failure. It degrades to an Unknown status rather than a crash and is
// never retried inside the backend call itself.
type CommError struct {
	Endpoint string
	Cause    error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error with %s: %v", e.Endpoint, e.Cause)
}

func (e *CommError) Unwrap() error {
	return e.Cause
}

// Comm wraps err in a CommError for the given endpoint.
func Comm(endpoint string, err error) *CommError {
	return &CommError{Endpoint: endpoint, Cause: err}
}
