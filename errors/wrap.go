package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, its code, category and identifiers carry over.
// Otherwise, context errors map to TIMEOUT or CANCELED and anything else to INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		wrapped := &Error{
			code:      pe.code,
			category:  pe.category,
			message:   message,
			cause:     err,
			metadata:  pe.Metadata(),
			retryable: pe.retryable,
			timestamp: pe.timestamp,
			packetID:  pe.packetID,
			transport: pe.transport,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// Code extracts the error code from an error chain.
// A DeliveryError anywhere in the chain wins over the causes it wraps.
// Returns empty string if no coded error is found.
func Code(err error) ErrorCode {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code()
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.code
	}
	return ""
}

// Is checks if the error chain carries the given error code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return Code(err) == code
}

// Category extracts the error category, or empty string when none is found.
func Category(err error) ErrorCategory {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code().DefaultCategory()
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.category
	}
	return ""
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are not retryable.
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// IsTransportFailure reports whether a send failed or was nak'd.
// Timed-out sends count as failed.
func IsTransportFailure(err error) bool {
	return Is(err, ErrCodeTransportFailure) || Is(err, ErrCodeNack) || Is(err, ErrCodeTimeout)
}

// isTimeout reports a deadline or any error whose Timeout method says so,
// as net.Error does.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// IsInvalidConfiguration reports whether err is a configuration error.
func IsInvalidConfiguration(err error) bool {
	return Is(err, ErrCodeInvalidConfig)
}

// AsDelivery extracts a DeliveryError from the chain, or nil.
func AsDelivery(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// GetMetadata extracts metadata from an error.
// Returns nil if err is not an *Error.
func GetMetadata(err error) map[string]string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Metadata()
	}
	return nil
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

