package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/packetkit/packet"
	"github.com/vinayprograms/packetkit/telemetry"
)

// NATSConfig configures JSON-RPC over NATS request/reply.
type NATSConfig struct {
	// Subject requests are sent to.
	// Default: "packets.rpc"
	Subject string

	// Timeout bounds one request.
	// Default: 10s
	Timeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Subject: "packets.rpc",
		Timeout: 10 * time.Second,
	}
}

// NATSClient makes JSON-RPC calls over NATS request/reply.
// It is safe for concurrent use.
type NATSClient struct {
	conn   *nats.Conn
	config NATSConfig
}

// NewNATSClient creates a client on an existing connection.
func NewNATSClient(conn *nats.Conn, cfg NATSConfig) *NATSClient {
	d := DefaultNATSConfig()
	if cfg.Subject == "" {
		cfg.Subject = d.Subject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &NATSClient{conn: conn, config: cfg}
}

// Deliver sends one serialized packet and returns the ack flag.
func (c *NATSClient) Deliver(ctx context.Context, data []byte) (bool, error) {
	return deliver(ctx, c, data)
}

// DeliverFragment sends one fragment and returns the ack flag.
func (c *NATSClient) DeliverFragment(ctx context.Context, f packet.Fragment) (bool, error) {
	return deliverFragment(ctx, c, f)
}

// natsHeaderReserve is kept free of max_payload for headers such as the
// trace context.
const natsHeaderReserve = 1024

// requestLimit is the largest request body a server with maxPayload accepts.
// It returns 0 when the limit is unknown.
func requestLimit(maxPayload int64) int {
	if n := maxPayload - natsHeaderReserve; n > 0 {
		return int(n)
	}
	return 0
}

// MaxMessageSize is the server's max_payload less room for headers, or 0
// before the server has reported it.
func (c *NATSClient) MaxMessageSize() int {
	return requestLimit(c.conn.MaxPayload())
}

// EnvelopeSize bounds the encoded packet.deliver request for serialized.
func (c *NATSClient) EnvelopeSize(serialized []byte) int {
	return EnvelopeSize(serialized)
}

// FragmentEnvelopeSize bounds the encoded packet.deliver_fragment request.
func (c *NATSClient) FragmentEnvelopeSize(packetID string, dataLen int) int {
	return FragmentEnvelopeSize(packetID, dataLen)
}

// Call sends a request and decodes the response result into result.
// Each request travels on its own reply inbox, so the ID is always 1.
// A request larger than MaxMessageSize fails with ErrTooLarge.
func (c *NATSClient) Call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	data, err := marshal(Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := checkSize(method, data, c.MaxMessageSize()); err != nil {
		return err
	}

	msg := nats.NewMsg(c.config.Subject)
	msg.Data = data
	telemetry.InjectContext(ctx, telemetry.HeaderCarrier(msg.Header))

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return ErrNoResponders
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return ErrTimeout
		case errors.Is(err, nats.ErrConnectionClosed):
			return ErrClosed
		case errors.Is(err, nats.ErrMaxPayload):
			return fmt.Errorf("%w: %v", ErrTooLarge, err)
		}
		return fmt.Errorf("nats request: %w", err)
	}

	var resp rawResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return resp.decodeResult(result)
}

// ServeNATS answers JSON-RPC requests on subject until ctx is done.
// Responders sharing a queue name split the load.
func ServeNATS(ctx context.Context, conn *nats.Conn, subject, queue string, handler Handler) error {
	if subject == "" {
		subject = DefaultNATSConfig().Subject
	}

	cb := func(m *nats.Msg) {
		msgCtx := telemetry.ExtractContext(ctx, telemetry.HeaderCarrier(m.Header))
		if resp := serve(msgCtx, handler, m.Data); resp != nil && m.Reply != "" {
			m.Respond(resp)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	<-ctx.Done()
	return nil
}
