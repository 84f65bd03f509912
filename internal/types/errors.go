package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide on retry and reporting.
type ErrorKind string

const (
	InvalidConfiguration ErrorKind = "InvalidConfiguration"
	UnknownTarget        ErrorKind = "UnknownTarget"
	ConnectionFailed     ErrorKind = "ConnectionFailed"
	RemoteCommandFailed  ErrorKind = "RemoteCommandFailed"
	Timeout              ErrorKind = "Timeout"
)

// Error is a classified failure. ExitCode is only meaningful for RemoteCommandFailed.
type Error struct {
	Kind     ErrorKind
	ExitCode int
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Kind == RemoteCommandFailed && e.ExitCode > 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the ErrorKind carried by err, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCodeOf returns the remote exit code carried by err, or -1.
func ExitCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == RemoteCommandFailed {
		return e.ExitCode
	}
	return -1
}
