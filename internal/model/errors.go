package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds. Every *Error matches exactly one of them via errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrEmpty            = errors.New("empty")
	ErrValidation       = errors.New("validation error")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrExecution        = errors.New("execution failure")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindEmpty
	KindValidation
	KindCapacityExceeded
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindEmpty:
		return "empty"
	case KindValidation:
		return "validation"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindExecution:
		return "execution_failure"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindEmpty:
		return ErrEmpty
	case KindValidation:
		return ErrValidation
	case KindCapacityExceeded:
		return ErrCapacityExceeded
	case KindExecution:
		return ErrExecution
	default:
		return nil
	}
}

// Error is an expected, recoverable failure. Its message is what callers see
// at the outward surface; Cause is kept for logs and errors.As.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func NotFound(what, id string) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %q not found", what, id)}
}

func Empty(msg string) error { return &Error{Kind: KindEmpty, Msg: msg} }

func Validation(msg string) error { return &Error{Kind: KindValidation, Msg: msg} }

func Capacity(msg string) error { return &Error{Kind: KindCapacityExceeded, Msg: msg} }

// Execution wraps a collaborator-reported failure.
func Execution(msg string, cause error) error {
	return &Error{Kind: KindExecution, Msg: msg, Cause: cause}
}

// KindOf classifies err. Infrastructure errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrEmpty):
		return KindEmpty
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrExecution):
		return KindExecution
	}
	return KindUnknown
}

// ErrorEntry is one line of an append-only error log.
type ErrorEntry struct {
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
