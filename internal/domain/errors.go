package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindMissingParameters   Kind = "missing_parameters"
	KindInvalidURL          Kind = "invalid_url"
	KindUpstreamFetchFailed Kind = "upstream_fetch_failed"
	KindCompressionFailed   Kind = "compression_failed"
	KindInternal            Kind = "internal"
)

// Error carries the failure kind and, for upstream failures, the status code
// observed at the origin (0 when no response was received).
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func WrapError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

func UpstreamFailed(op string, statusCode int) *Error {
	return &Error{
		Kind:       KindUpstreamFetchFailed,
		Op:         op,
		Message:    "upstream fetch failed",
		StatusCode: statusCode,
	}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}
