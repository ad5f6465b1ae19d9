package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies wallet errors so the HTTP layer and callers can map
// them to status codes and retry policy without string matching.
type ErrorKind string

const (
	// KindConfig marks misconfiguration (unknown chain, gasless disabled,
	// missing contracts). Not retryable.
	KindConfig ErrorKind = "config"
	// KindValidation marks rejected caller input (bad address, zero amount,
	// oversized batch). Not retryable.
	KindValidation ErrorKind = "validation"
	// KindChainUnavailable marks exhausted RPC/bundler endpoints or network
	// timeouts. Retryable.
	KindChainUnavailable ErrorKind = "chain_unavailable"
	// KindSimulation marks operations the bundler predicts would revert.
	KindSimulation ErrorKind = "simulation"
	// KindSponsorship marks refused sponsorship (limits exhausted, circuit
	// open, paymaster declined).
	KindSponsorship ErrorKind = "sponsorship"
	// KindNonce marks nonce allocation back-pressure. Retryable after
	// in-flight operations settle.
	KindNonce ErrorKind = "nonce"
	// KindTimeout marks an operation that was submitted but not confirmed
	// within the caller's wait window. The operation may still land.
	KindTimeout ErrorKind = "timeout"
	// KindInternal is everything else.
	KindInternal ErrorKind = "internal"
)

// Error is the error type returned across service boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may safely retry the same request.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindChainUnavailable, KindNonce:
		return true
	}
	return false
}
