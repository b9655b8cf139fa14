// Package mixerr provides unified error handling for the mixer core.
//
// Every failure crossing a component boundary is classified into one of the
// kinds below. Workers use Retryable to decide whether an operation is worth
// another attempt; only permanent kinds may drive a mix request to FAILED.
package mixerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindTransient   Kind = "TRANSIENT"
	KindPermanent   Kind = "PERMANENT"
	KindConsistency Kind = "CONSISTENCY"
	KindCrypto      Kind = "CRYPTO"
	KindCapacity    Kind = "CAPACITY"
	KindTimeout     Kind = "TIMEOUT"
)

// Error is a classified error with optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value detail and returns the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error with a classification.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Constructors per kind.

func Validation(message string) *Error         { return New(KindValidation, message) }
func NotFound(resource, id string) *Error {
	return New(KindNotFound, "not found").WithDetail("resource", resource).WithDetail("id", id)
}
func Transient(message string, err error) *Error   { return Wrap(KindTransient, message, err) }
func Permanent(message string, err error) *Error   { return Wrap(KindPermanent, message, err) }
func Consistency(message string, err error) *Error { return Wrap(KindConsistency, message, err) }
func Crypto(message string, err error) *Error      { return Wrap(KindCrypto, message, err) }
func Capacity(message string) *Error               { return New(KindCapacity, message) }
func Timeout(operation string) *Error {
	return New(KindTimeout, "operation timed out").WithDetail("operation", operation)
}

// KindOf extracts the kind of an error chain, or "" when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

func IsValidation(err error) bool  { return Is(err, KindValidation) }
func IsNotFound(err error) bool    { return Is(err, KindNotFound) }
func IsTransient(err error) bool   { return Is(err, KindTransient) }
func IsPermanent(err error) bool   { return Is(err, KindPermanent) }
func IsConsistency(err error) bool { return Is(err, KindConsistency) }
func IsCrypto(err error) bool      { return Is(err, KindCrypto) }
func IsCapacity(err error) bool    { return Is(err, KindCapacity) }
func IsTimeout(err error) bool     { return Is(err, KindTimeout) }

// Retryable reports whether the operation that produced err may be retried.
// Transient upstream failures, capacity shortfalls, optimistic-lock losses and
// timeouts are recoverable; everything else fails fast.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindCapacity, KindConsistency, KindTimeout:
		return true
	}
	return false
}
