package types

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrorKind classifies SDK errors by cause rather than by Go type
type ErrorKind string

const (
	// ErrConfiguration means the SDK was used before Start or with a bad config
	ErrConfiguration ErrorKind = "configuration"
	// ErrNetworkFailed means the request could not be completed
	ErrNetworkFailed ErrorKind = "network_failed"
	// ErrNetworkTimeout means the request timed out
	ErrNetworkTimeout ErrorKind = "network_timeout"
	// ErrMalformedResponse means the backend answered with an unparseable body
	ErrMalformedResponse ErrorKind = "malformed_response"
	// ErrServer means the backend declared an explicit error
	ErrServer ErrorKind = "server"
	// ErrBillingUnavailable means the platform restricts payments on this device
	ErrBillingUnavailable ErrorKind = "billing_unavailable"
	// ErrUserCancelled means the user dismissed the platform payment sheet
	ErrUserCancelled ErrorKind = "user_cancelled"
	// ErrProductUnavailable means the sku is unknown to the platform store
	ErrProductUnavailable ErrorKind = "product_unavailable"
	// ErrAlreadyPurchased means the current user already owns the product
	ErrAlreadyPurchased ErrorKind = "already_purchased"
	// ErrUserConflict means the transaction belongs to a different backend user
	ErrUserConflict ErrorKind = "user_conflict"
	// ErrTransactionNotFound means the backend response carried no matching transaction
	ErrTransactionNotFound ErrorKind = "transaction_not_found"
	// ErrDeferredPayment means the purchase awaits external approval (e.g. ask-to-buy)
	ErrDeferredPayment ErrorKind = "deferred_payment"
	// ErrProcessingConflict means a buy or restore is already in progress
	ErrProcessingConflict ErrorKind = "processing_conflict"
	// ErrRestoreTimeout means the platform never signalled restore completion
	ErrRestoreTimeout ErrorKind = "restore_timeout"

	ErrReceiptInvalid    ErrorKind = "receipt_invalid"
	ErrReceiptFailed     ErrorKind = "receipt_failed"
	ErrReceiptStale      ErrorKind = "receipt_stale"
	ErrReceiptProcessing ErrorKind = "receipt_processing"

	// ErrUnexpected covers parsing failures and internal invariant violations
	ErrUnexpected ErrorKind = "unexpected"
)

// Error is the single error type surfaced by the SDK. Kind carries the
// taxonomy, Silent suppresses delegate/diagnostic reporting, and the sent
// flag guarantees an instance is never reported twice.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Silent  bool

	sent int32
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// MarkSent flips the sent flag and reports whether this call was the first.
// Reporting paths call it before forwarding so an error instance reaches the
// diagnostic sink and the app delegate at most once.
func (e *Error) MarkSent() bool {
	return atomic.CompareAndSwapInt32(&e.sent, 0, 1)
}

// Retryable reports whether the error should be retried transparently.
func (e *Error) Retryable() bool {
	return e.Kind == ErrNetworkFailed || e.Kind == ErrNetworkTimeout
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error of the given kind wrapping a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from any error, returning ErrUnexpected for
// errors that did not originate in the SDK.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrUnexpected
}

// AsError converts any error into an *Error, wrapping foreign errors as
// unexpected.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: ErrUnexpected, Message: err.Error(), Cause: err}
}
