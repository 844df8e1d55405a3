package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates failures where another attempt, possibly on
	// another transport, may succeed.
	// Examples: connection refused, publish timeout, negative acknowledgment.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown transport hint, non-positive fragment size.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion on the receiving side.
	// Examples: too many fragment sequences in flight.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted data.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for packet delivery.
const (
	// Transient errors
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE" // Send call raised
	ErrCodeNack             ErrorCode = "NACK"              // Remote returned ack=false
	ErrCodeTimeout          ErrorCode = "TIMEOUT"           // Operation timed out

	// Permanent errors
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED" // Primary and fallback both failed
	ErrCodeInvalidConfig  ErrorCode = "INVALID_CONFIG"  // Bad fragment size, unknown transport
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"   // Malformed packet or fragment
	ErrCodeCanceled       ErrorCode = "CANCELED"        // Caller canceled

	// Resource errors
	ErrCodeResourceBusy ErrorCode = "RESOURCE_BUSY" // Receiver at capacity

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Fragment set does not reassemble
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTransportFailure, ErrCodeNack, ErrCodeTimeout:
		return CategoryTransient

	case ErrCodeDeliveryFailed, ErrCodeInvalidConfig, ErrCodeInvalidInput, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeResourceBusy:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTransportFailure: "transport send failed",
	ErrCodeNack:             "remote did not acknowledge",
	ErrCodeTimeout:          "operation timed out",
	ErrCodeDeliveryFailed:   "delivery failed on all transports",
	ErrCodeInvalidConfig:    "invalid configuration",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeResourceBusy:     "resource is busy",
	ErrCodeInternal:         "internal error",
	ErrCodeCorruption:       "data corruption detected",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
