package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a Firestore failure into the categories the repository
// layer reasons about.
type Kind int

const (
	// KindUnknown covers failures with no specific repository semantics.
	KindUnknown Kind = iota
	// KindNotFound marks a missing document.
	KindNotFound
	// KindConflict marks a write that lost to a concurrent mutation or
	// violated a precondition.
	KindConflict
	// KindUnavailable marks a transient backend outage worth retrying.
	KindUnavailable
)

// Error carries an operation label and a failure Kind alongside the cause.
type Error struct {
	op   string
	kind Kind
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return e.kind
}

// IsNotFound reports whether the error marks a missing document.
func (e *Error) IsNotFound() bool { return e.Kind() == KindNotFound }

// IsConflict reports whether the error marks a conflicting update.
func (e *Error) IsConflict() bool { return e.Kind() == KindConflict }

// IsUnavailable reports whether the error marks a transient outage.
func (e *Error) IsUnavailable() bool { return e.Kind() == KindUnavailable }

// NewNotFoundError builds an error marking a missing document.
func NewNotFoundError(op string, err error) *Error {
	return &Error{op: op, kind: KindNotFound, err: err}
}

// NewConflictError builds an error marking an invariant violation.
func NewConflictError(op string, err error) *Error {
	return &Error{op: op, kind: KindConflict, err: err}
}

func kindFromCode(code codes.Code) Kind {
	switch code {
	case codes.NotFound:
		return KindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return KindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// WrapError classifies a raw Firestore error. Context cancellations keep
// their stdlib identity so errors.Is checks upstream still work.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return &Error{op: op, kind: kindFromCode(status.Code(err)), err: err}
}
