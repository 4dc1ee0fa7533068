package utils

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can pick remediation advice.
type ErrorKind string

const (
	// KindTimeout means the retrieval exceeded the long-processing deadline.
	KindTimeout ErrorKind = "timeout"
	// KindTransport means connectivity failed or the server answered non-2xx.
	KindTransport ErrorKind = "transport"
	// KindValidation means the payload was malformed or violated an invariant.
	KindValidation ErrorKind = "validation"
	// KindEmpty is the recognised no-data state; it is rendered, not raised to the user as a failure.
	KindEmpty ErrorKind = "empty"
	// KindCanceled means the session aborted the operation.
	KindCanceled ErrorKind = "canceled"
)

// FetchError wraps an operation, its failure kind, a human-facing message, and the cause.
type FetchError struct {
	Op   string
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError constructs a FetchError.
func NewFetchError(op string, kind ErrorKind, msg string, err error) error {
	return &FetchError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// ValidationError is shorthand for a KindValidation FetchError.
func ValidationError(op, msg string) error {
	return &FetchError{Op: op, Kind: KindValidation, Msg: msg}
}

// KindOf extracts the failure kind. Context errors are classified even when unwrapped.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindTransport
}

// IsEmpty reports whether err describes the no-data state.
func IsEmpty(err error) bool {
	return KindOf(err) == KindEmpty
}
