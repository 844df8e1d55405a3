// Package rpc provides the unary RPC transport for packets: JSON-RPC 2.0
// carried over WebSocket or NATS request/reply.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"

	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/packet"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error. Errors raised by this package
// carry a *errors.Error in Data.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap returns the *errors.Error carried in Data, if any.
func (e *Error) Unwrap() error {
	if pe, ok := e.Data.(*errors.Error); ok {
		return pe
	}
	return nil
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Methods
const (
	MethodDeliver         = "packet.deliver"
	MethodDeliverFragment = "packet.deliver_fragment"
)

// Common errors.
var (
	ErrClosed       = stderrors.New("rpc connection closed")
	ErrNoResponders = stderrors.New("rpc: no responders")
	ErrTooLarge     = stderrors.New("rpc message exceeds size limit")
)

// ErrTimeout is returned when a call outlives its timeout.
var ErrTimeout error = timeoutError{}

// timeoutError reports Timeout() like net.Error does.
type timeoutError struct{}

func (timeoutError) Error() string { return "rpc call timed out" }
func (timeoutError) Timeout() bool { return true }

// DeliverParams carries one serialized packet.
type DeliverParams struct {
	Packet string `json:"packet"`
}

// FragmentParams carries one fragment of a serialized packet.
type FragmentParams = packet.Fragment

// DeliverResult is the reply to both deliver methods.
type DeliverResult struct {
	Ack bool `json:"ack"`
}

// rawResponse is the client-side view of a Response.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rawError       `json:"error"`
}

// rawError is the client-side view of an Error.
type rawError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// toError decodes Data back into a *errors.Error when it holds one.
func (r *rawError) toError() *Error {
	e := &Error{Code: r.Code, Message: r.Message}
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return e
	}
	var pe errors.Error
	if err := json.Unmarshal(r.Data, &pe); err == nil && pe.Code() != "" {
		e.Data = &pe
		return e
	}
	var v interface{}
	if err := json.Unmarshal(r.Data, &v); err == nil {
		e.Data = v
	}
	return e
}

// decodeResult turns a response into result or a returned *Error.
func (r *rawResponse) decodeResult(result interface{}) error {
	if r.Error != nil {
		return r.Error.toError()
	}
	if result == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// marshal encodes v without HTML escaping, so '<', '>' and '&' stay one
// byte each and envelope sizes are predictable.
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// requestOverhead bounds the request framing around params: the largest
// id and the longest method name.
var requestOverhead = len(`{"jsonrpc":"2.0","id":18446744073709551615,"method":"` + MethodDeliverFragment + `","params":}`)

// EnvelopeSize returns an upper bound on the encoded packet.deliver request
// carrying serialized.
func EnvelopeSize(serialized []byte) int {
	raw, err := marshal(DeliverParams{Packet: string(serialized)})
	if err != nil {
		return math.MaxInt
	}
	return len(raw) + requestOverhead
}

// FragmentEnvelopeSize returns an upper bound on the encoded
// packet.deliver_fragment request carrying dataLen bytes of packetID.
func FragmentEnvelopeSize(packetID string, dataLen int) int {
	raw, err := marshal(FragmentParams{
		PacketID: packetID,
		Index:    math.MaxInt,
		Total:    math.MaxInt,
		Data:     []byte{},
	})
	if err != nil {
		return math.MaxInt
	}
	return len(raw) + base64.StdEncoding.EncodedLen(dataLen) + requestOverhead
}

// checkSize rejects a request before it is written when limit is known.
func checkSize(method string, data []byte, limit int) error {
	if limit > 0 && len(data) > limit {
		return fmt.Errorf("%w: %s request is %d bytes, limit %d", ErrTooLarge, method, len(data), limit)
	}
	return nil
}

// caller is the unary call both clients implement.
type caller interface {
	Call(ctx context.Context, method string, params, result interface{}) error
}

func deliver(ctx context.Context, c caller, data []byte) (bool, error) {
	var res DeliverResult
	if err := c.Call(ctx, MethodDeliver, DeliverParams{Packet: string(data)}, &res); err != nil {
		return false, err
	}
	return res.Ack, nil
}

func deliverFragment(ctx context.Context, c caller, f packet.Fragment) (bool, error) {
	var res DeliverResult
	if err := c.Call(ctx, MethodDeliverFragment, FragmentParams(f), &res); err != nil {
		return false, err
	}
	return res.Ack, nil
}

// --- Server side ---

// Handler handles JSON-RPC requests.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// serve handles one encoded request and returns the encoded response.
// It returns nil for notifications.
func serve(ctx context.Context, h Handler, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeResponse(errorResponse(nil, ParseError, "Parse error",
			errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "parse request")))
	}

	if req.JSONRPC != "2.0" {
		return encodeResponse(errorResponse(req.ID, InvalidRequest, "Invalid Request",
			errors.InvalidInput("jsonrpc must be 2.0")))
	}

	result, err := h.Handle(ctx, req.Method, req.Params)
	if req.ID == nil {
		return nil
	}
	if err != nil {
		var rpcErr *Error
		if stderrors.As(err, &rpcErr) {
			return encodeResponse(Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		}
		// Coded errors keep their code; anything else is INTERNAL.
		return encodeResponse(errorResponse(req.ID, InternalError, "Internal error", errors.Wrap(err, req.Method)))
	}

	return encodeResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func errorResponse(id interface{}, code int, message string, data interface{}) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

func encodeResponse(resp Response) []byte {
	data, err := marshal(resp)
	if err != nil {
		data, _ = marshal(errorResponse(resp.ID, InternalError, "Internal error",
			errors.Wrap(err, "encode response")))
	}
	return data
}
