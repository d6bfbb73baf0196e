package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable category carried by every failed tool result.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindTransientHost    Kind = "transient_host_error"
	KindPermanentHost    Kind = "permanent_host_error"
	KindClassification   Kind = "classification_failure"
	KindPatchApplication Kind = "patch_application_error"
	KindCapacity         Kind = "capacity_error"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindInternal         Kind = "internal_error"
)

// KindedError is implemented by domain errors that know their own Kind.
type KindedError interface {
	error
	ErrorKind() Kind
}

// Error is the general purpose domain error. Op names the failing operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Kind }

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation name to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ValidationErrorf is shorthand for Errorf(KindValidation, ...).
func ValidationErrorf(format string, args ...any) *Error {
	return Errorf(KindValidation, format, args...)
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kinded KindedError
	if errors.As(err, &kinded) {
		if k := kinded.ErrorKind(); k != "" {
			return k
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransientHost
	case errors.Is(err, context.Canceled):
		return KindTransientHost
	}
	return KindInternal
}

// IsRetryable reports whether a failure of this kind may succeed when attempted again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientHost, KindCapacity:
		return true
	}
	return false
}

type ErrorInfo struct {
	Kind       Kind
	Message    string
	HTTPStatus int
}

// MapError converts err into the wire-level kind, message and HTTP status.
func MapError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Kind: KindInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError}
	}
	kind := KindOf(err)
	return ErrorInfo{Kind: kind, Message: err.Error(), HTTPStatus: StatusForKind(kind)}
}

// StatusForKind returns the HTTP status used for a failure kind.
func StatusForKind(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindClassification, KindPatchApplication:
		return http.StatusUnprocessableEntity
	case KindCapacity:
		return http.StatusServiceUnavailable
	case KindTransientHost:
		return http.StatusGatewayTimeout
	case KindPermanentHost:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToolError is the wire form of a failed tool call.
type ToolError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}
