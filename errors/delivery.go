package errors

import (
	"fmt"
	"strings"
)

// AttemptError records one failed send attempt.
type AttemptError struct {
	Transport string
	Err       error
}

// DeliveryError is the terminal error returned when every transport failed.
// Attempts holds one entry per transport tried, in order.
type DeliveryError struct {
	PacketID string
	Attempts []AttemptError
}

// Delivery creates a DeliveryError for packetID from the failed attempts.
func Delivery(packetID string, attempts ...AttemptError) *DeliveryError {
	return &DeliveryError{PacketID: packetID, Attempts: attempts}
}

// Error returns a message naming every transport and its cause.
func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Transport, a.Err))
	}
	return fmt.Sprintf("packet %s: delivery failed (%s)", e.PacketID, strings.Join(parts, "; "))
}

// Unwrap exposes every attempt's cause to errors.Is and errors.As.
func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Code returns ErrCodeDeliveryFailed.
func (e *DeliveryError) Code() ErrorCode {
	return ErrCodeDeliveryFailed
}

// Transports returns the attempted transports in order.
func (e *DeliveryError) Transports() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Transport)
	}
	return names
}

// Cause returns the failure recorded for transport, or nil when it was not tried.
func (e *DeliveryError) Cause(transport string) error {
	for _, a := range e.Attempts {
		if a.Transport == transport {
			return a.Err
		}
	}
	return nil
}
