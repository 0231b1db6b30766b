package db

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies store failures into the fixed taxonomy assigned at this
// boundary. Layers above match on the kind, never on transport codes.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindNotFound         ErrorKind = "not_found"
	KindUnavailable      ErrorKind = "service_unavailable"
	KindTimeout          ErrorKind = "timeout"
	KindValidation       ErrorKind = "validation_error"
	KindUnknown          ErrorKind = "unknown_error"
)

// StoreError is the single error type surfaced by DocumentStore implementations.
// Code and Message preserve the original transport error for unknown_error.
type StoreError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports kind equality so callers can use errors.Is against the sentinel
// values below regardless of message content.
func (e *StoreError) Is(target error) bool {
	var se *StoreError
	if errors.As(target, &se) {
		return e.Kind == se.Kind
	}
	return false
}

// Sentinel values for errors.Is matching.
var (
	ErrPermissionDenied = &StoreError{Kind: KindPermissionDenied, Message: "permission denied"}
	ErrNotFound         = &StoreError{Kind: KindNotFound, Message: "document not found"}
	ErrUnavailable      = &StoreError{Kind: KindUnavailable, Message: "service unavailable"}
	ErrTimeout          = &StoreError{Kind: KindTimeout, Message: "operation timed out"}
	ErrValidation       = &StoreError{Kind: KindValidation, Message: "validation failed"}
)

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// asStoreError passes taxonomy errors through untouched and wraps anything
// else as unknown_error.
func asStoreError(err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Kind: KindUnknown, Message: err.Error(), Err: err}
}

func validationError(collection, id string, cause error) *StoreError {
	return &StoreError{
		Kind:    KindValidation,
		Message: fmt.Sprintf("document %s/%s failed schema validation: %v", collection, id, cause),
		Err:     cause,
	}
}

// mapTransportError assigns the taxonomy kind from the underlying gRPC status
// code. It is the only place transport codes are interpreted; no retries are
// performed here or anywhere above.
func mapTransportError(op string, err error) *StoreError {
	code := status.Code(err)
	msg := fmt.Sprintf("%s: %v", op, err)
	switch code {
	case codes.PermissionDenied, codes.Unauthenticated:
		return &StoreError{Kind: KindPermissionDenied, Code: code.String(), Message: msg, Err: err}
	case codes.NotFound:
		return &StoreError{Kind: KindNotFound, Code: code.String(), Message: msg, Err: err}
	case codes.Unavailable, codes.ResourceExhausted:
		return &StoreError{Kind: KindUnavailable, Code: code.String(), Message: msg, Err: err}
	case codes.DeadlineExceeded:
		return &StoreError{Kind: KindTimeout, Code: code.String(), Message: msg, Err: err}
	default:
		return &StoreError{Kind: KindUnknown, Code: code.String(), Message: msg, Err: err}
	}
}
