package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/packet"
)

// Receiver accepts packets arriving over RPC.
type Receiver interface {
	AcceptPacket(ctx context.Context, data []byte) error
	AcceptFragment(ctx context.Context, f packet.Fragment) error
}

// NewPacketHandler routes the deliver methods to r. A rejected packet is
// answered with ack=false rather than a JSON-RPC error.
func NewPacketHandler(r Receiver) Handler {
	return HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case MethodDeliver:
			var p DeliverParams
			if err := json.Unmarshal(params, &p); err != nil || p.Packet == "" {
				return nil, invalidParams(method, err)
			}
			return DeliverResult{Ack: r.AcceptPacket(ctx, []byte(p.Packet)) == nil}, nil

		case MethodDeliverFragment:
			var f FragmentParams
			if err := json.Unmarshal(params, &f); err != nil || f.PacketID == "" {
				return nil, invalidParams(method, err)
			}
			return DeliverResult{Ack: r.AcceptFragment(ctx, f) == nil}, nil

		default:
			return nil, &Error{Code: MethodNotFound, Message: "Method not found",
				Data: errors.InvalidInput(fmt.Sprintf("unknown method %q", method))}
		}
	})
}

func invalidParams(method string, err error) *Error {
	e := &Error{Code: InvalidParams, Message: "Invalid params"}
	if err != nil {
		e.Data = errors.WrapWithCode(err, errors.ErrCodeInvalidInput, method)
	} else {
		e.Data = errors.InvalidInput(method + ": missing required field")
	}
	return e
}
