package ops

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// CodeStorageUnavailable means the record store could not accept a write.
	// Callers fall back to the offline recorder.
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// CodeTransientDelivery means the remote call failed in a way worth retrying
	// (network, timeout, server busy).
	CodeTransientDelivery ErrorCode = "TRANSIENT_DELIVERY"

	// CodePermanentDelivery means the remote endpoint rejected the payload.
	CodePermanentDelivery ErrorCode = "PERMANENT_DELIVERY"

	// CodeConcurrencyViolation is an internal invariant breach, e.g. a record
	// that should be InFlight is not. Always a bug.
	CodeConcurrencyViolation ErrorCode = "CONCURRENCY_VIOLATION"

	// CodeNotFound means the referenced record does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is a sync error with a category code.
type Error struct {
	Code     ErrorCode
	Message  string
	RecordID string
	Err      error
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrStorageUnavailable   = &Error{Code: CodeStorageUnavailable}
	ErrTransientDelivery    = &Error{Code: CodeTransientDelivery}
	ErrPermanentDelivery    = &Error{Code: CodePermanentDelivery}
	ErrConcurrencyViolation = &Error{Code: CodeConcurrencyViolation}
	ErrNotFound             = &Error{Code: CodeNotFound}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.RecordID != "" {
		msg = fmt.Sprintf("%s (record=%s)", msg, e.RecordID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewStorageUnavailable wraps a store failure.
func NewStorageUnavailable(op string, err error) *Error {
	return &Error{Code: CodeStorageUnavailable, Message: op, Err: err}
}

// NewTransient creates a retryable delivery error.
func NewTransient(message string, err error) *Error {
	return &Error{Code: CodeTransientDelivery, Message: message, Err: err}
}

// NewPermanent creates a non-retryable delivery error.
func NewPermanent(message string, err error) *Error {
	return &Error{Code: CodePermanentDelivery, Message: message, Err: err}
}

// NewConcurrencyViolation reports an invariant breach on a record.
func NewConcurrencyViolation(recordID, message string) *Error {
	return &Error{Code: CodeConcurrencyViolation, Message: message, RecordID: recordID}
}

// NewNotFound reports a missing record.
func NewNotFound(recordID string) *Error {
	return &Error{Code: CodeNotFound, Message: "record not found", RecordID: recordID}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsStorageUnavailable reports whether err is a STORAGE_UNAVAILABLE error.
func IsStorageUnavailable(err error) bool {
	return CodeOf(err) == CodeStorageUnavailable
}

// IsTransient reports whether err is a TRANSIENT_DELIVERY error.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransientDelivery
}

// IsPermanent reports whether err is a PERMANENT_DELIVERY error.
func IsPermanent(err error) bool {
	return CodeOf(err) == CodePermanentDelivery
}

// IsConcurrencyViolation reports whether err is a CONCURRENCY_VIOLATION error.
func IsConcurrencyViolation(err error) bool {
	return CodeOf(err) == CodeConcurrencyViolation
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
