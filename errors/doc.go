// Package errors provides the structured error taxonomy for packet delivery.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: a send failed or was not acknowledged; the other transport may work
//   - Permanent: retry will not help (bad configuration, malformed input, both transports down)
//   - Resource: the receiving side is at capacity
//   - Internal: unexpected errors or corrupted data
//
// # Delivery outcomes
//
// A dispatch ends in exactly one of:
//
//   - success
//   - a *DeliveryError naming both attempted transports and both causes
//   - an INVALID_CONFIG *Error, returned before any network call
//
// Individual attempt failures are TRANSPORT_FAILURE or NACK errors and are
// reachable from a DeliveryError through errors.As:
//
//	var de *errors.DeliveryError
//	if errors.As(err, &de) {
//	    for _, a := range de.Attempts {
//	        log.Printf("%s: %v", a.Transport, a.Err)
//	    }
//	}
//
// # JSON Serialization
//
// *Error supports JSON serialization so receivers can report failures back:
//
//	data, err := json.Marshal(pErr)
package errors
