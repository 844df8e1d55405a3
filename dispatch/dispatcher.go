// Package dispatch delivers packets over a stream and an RPC transport.
//
// The Dispatcher serializes a packet, picks a primary transport by size or
// hint, and on failure retries exactly once on the other transport. Packets
// too large for one RPC message are streamed as ordered fragments.
package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/logging"
	"github.com/vinayprograms/packetkit/packet"
	"github.com/vinayprograms/packetkit/stream"
	"github.com/vinayprograms/packetkit/telemetry"
)

// StreamClient appends one entry to the append-only stream.
type StreamClient interface {
	Append(ctx context.Context, fields map[string]string) (string, error)
}

// RPCClient makes unary delivery calls.
type RPCClient interface {
	Deliver(ctx context.Context, serialized []byte) (bool, error)
	DeliverFragment(ctx context.Context, f packet.Fragment) (bool, error)
}

// MessageLimiter is implemented by clients whose connection bounds the
// size of one encoded message, such as a NATS server's max_payload.
// A non-positive result means the limit is unknown.
type MessageLimiter interface {
	MaxMessageSize() int
}

// EnvelopeSizer is implemented by RPC clients that can bound the encoded
// size of their requests. Without it the serialized size is used.
type EnvelopeSizer interface {
	EnvelopeSize(serialized []byte) int
	FragmentEnvelopeSize(packetID string, dataLen int) int
}

// fragmentIDBudget is the packet ID length assumed when checking that a
// full fragment fits one RPC message. Generated IDs are 36 bytes.
const fragmentIDBudget = 64

// Config holds dispatcher configuration.
type Config struct {
	// SizeThreshold is the largest serialized size routed to the stream.
	// 0 routes every unhinted packet to RPC.
	// Default: 1024
	SizeThreshold int

	// MaxFragmentSize bounds each fragment in RPC streaming mode.
	// Default: 64KiB
	MaxFragmentSize int

	// RPCMaxMessageSize is the largest RPC request sent as one call. Larger
	// packets are fragmented. A client with a smaller MaxMessageSize lowers
	// it. 0 disables fragmentation.
	// Default: 1MiB
	RPCMaxMessageSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SizeThreshold:     1024,
		MaxFragmentSize:   64 * 1024,
		RPCMaxMessageSize: 1024 * 1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SizeThreshold < 0 {
		return errors.InvalidConfiguration(fmt.Sprintf("size threshold must not be negative, got %d", c.SizeThreshold))
	}
	if c.MaxFragmentSize <= 0 {
		return errors.InvalidConfiguration(fmt.Sprintf("max fragment size must be positive, got %d", c.MaxFragmentSize))
	}
	if c.RPCMaxMessageSize < 0 {
		return errors.InvalidConfiguration(fmt.Sprintf("rpc max message size must not be negative, got %d", c.RPCMaxMessageSize))
	}
	if n := base64.StdEncoding.EncodedLen(c.MaxFragmentSize); c.RPCMaxMessageSize > 0 && n > c.RPCMaxMessageSize {
		return errors.InvalidConfiguration(fmt.Sprintf("max fragment size %d encodes to %d bytes, over rpc max message size %d",
			c.MaxFragmentSize, n, c.RPCMaxMessageSize))
	}
	return nil
}

// Attempt records one send.
type Attempt struct {
	Transport string
	Fragments int // 0 unless the packet was fragmented
	Err       error
	Duration  time.Duration
}

// Receipt describes a successful dispatch.
type Receipt struct {
	PacketID     string
	Transport    string // transport that delivered
	Attempts     []Attempt
	EntryID      string // set when delivered over the stream
	FallbackUsed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher sends packets with single fallback.
// It is safe for concurrent use.
type Dispatcher struct {
	stream   StreamClient
	rpc      RPCClient
	config   Config
	rpcLimit int // RPCMaxMessageSize clamped to the client's limit
	logger   *logging.Logger
	tracer   *telemetry.Tracer
}

// New creates a Dispatcher over both transports.
func New(streamClient StreamClient, rpcClient RPCClient, cfg Config, opts ...Option) (*Dispatcher, error) {
	if streamClient == nil {
		return nil, errors.InvalidConfiguration("stream client is required")
	}
	if rpcClient == nil {
		return nil, errors.InvalidConfiguration("rpc client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		stream:   streamClient,
		rpc:      rpcClient,
		config:   cfg,
		rpcLimit: cfg.RPCMaxMessageSize,
	}
	if err := d.checkLimits(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	if d.tracer == nil {
		d.tracer = telemetry.GetTracer()
	}
	d.logger = d.logger.WithComponent("dispatch")
	return d, nil
}

// checkLimits clamps the single-call limit to the RPC client's and makes
// sure a full fragment and the stream threshold fit their transports.
func (d *Dispatcher) checkLimits() error {
	if l, ok := d.rpc.(MessageLimiter); ok && d.rpcLimit > 0 {
		if m := l.MaxMessageSize(); m > 0 && m < d.rpcLimit {
			d.rpcLimit = m
		}
	}
	if d.rpcLimit > 0 {
		need := base64.StdEncoding.EncodedLen(d.config.MaxFragmentSize)
		if s, ok := d.rpc.(EnvelopeSizer); ok {
			need = s.FragmentEnvelopeSize(strings.Repeat("x", fragmentIDBudget), d.config.MaxFragmentSize)
		}
		if need > d.rpcLimit {
			return errors.InvalidConfiguration(fmt.Sprintf("max fragment size %d needs %d-byte rpc messages, limit is %d",
				d.config.MaxFragmentSize, need, d.rpcLimit), errors.WithTransport(packet.TransportRPC))
		}
	}
	if l, ok := d.stream.(MessageLimiter); ok {
		if m := l.MaxMessageSize(); m > 0 && d.config.SizeThreshold > m {
			return errors.InvalidConfiguration(fmt.Sprintf("size threshold %d is over the stream message limit %d",
				d.config.SizeThreshold, m), errors.WithTransport(packet.TransportStream))
		}
	}
	return nil
}

// Config returns the dispatcher configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// Dispatch delivers p and returns a Receipt.
//
// The primary transport is tried first and the alternate exactly once after
// it. When both fail the error is a *errors.DeliveryError holding each
// transport's cause. Nothing is sent when the hint names an unknown
// transport (INVALID_CONFIG) or ctx is already done (CANCELED, wrapping
// ctx.Err()).
//
// Dispatch sets p.Transport to the transport of the latest attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, p *packet.Packet) (receipt *Receipt, err error) {
	if p == nil {
		return nil, errors.InvalidInput("nil packet")
	}

	data, err := p.Serialize()
	if err != nil {
		return nil, err
	}

	primary := SelectTransport(p, len(data), d.config.SizeThreshold)
	if !packet.ValidTransport(primary) {
		return nil, errors.InvalidConfiguration(fmt.Sprintf("unknown transport %q", primary),
			errors.WithPacketID(p.ID()),
			errors.WithTransport(primary),
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeCanceled, "dispatch not started", errors.WithPacketID(p.ID()))
	}

	ctx, span := d.tracer.StartDispatchSpan(ctx, p.ID(), p.Tool, len(data))
	receipt = &Receipt{PacketID: p.ID()}
	defer func() {
		d.tracer.EndDispatchSpan(span, telemetry.DispatchSpanOptions{
			Transport: p.Transport,
			Attempts:  len(receipt.Attempts),
			Fallback:  receipt.FallbackUsed,
		}, err)
	}()

	first := d.attempt(ctx, p, primary, data, false)
	receipt.Attempts = append(receipt.Attempts, first.Attempt)
	if first.Err == nil {
		return d.succeed(p, receipt, first), nil
	}

	alternate := packet.Alternate(primary)
	d.logger.Fallback(p.ID(), primary, alternate, first.Err)

	second := d.attempt(ctx, p, alternate, data, true)
	receipt.Attempts = append(receipt.Attempts, second.Attempt)
	receipt.FallbackUsed = true
	if second.Err == nil {
		return d.succeed(p, receipt, second), nil
	}

	err = errors.Delivery(p.ID(),
		errors.AttemptError{Transport: primary, Err: first.Err},
		errors.AttemptError{Transport: alternate, Err: second.Err},
	)
	d.logger.DeliveryFailed(p.ID(), p.Tool, err)
	return nil, err
}

func (d *Dispatcher) succeed(p *packet.Packet, r *Receipt, last result) *Receipt {
	r.Transport = last.Transport
	r.EntryID = last.entryID
	d.logger.Delivered(p.ID(), p.Tool, r.Transport, len(r.Attempts))
	return r
}

// result is an Attempt plus what only a successful send produces.
type result struct {
	Attempt
	entryID string
}

func (d *Dispatcher) attempt(ctx context.Context, p *packet.Packet, transport string, data []byte, fallback bool) result {
	p.Transport = transport
	d.logger.SendAttempt(p.ID(), transport, len(data), fallback)

	ctx, span := d.tracer.StartAttemptSpan(ctx, transport, fallback)
	start := time.Now()

	var res result
	res.Transport = transport
	switch transport {
	case packet.TransportStream:
		res.entryID, res.Err = d.sendStream(ctx, data)
	default:
		res.Fragments, res.Err = d.sendRPC(ctx, p.ID(), data)
	}
	res.Duration = time.Since(start)

	d.tracer.EndAttemptSpan(span, telemetry.AttemptSpanOptions{
		Fragments: res.Fragments,
		EntryID:   res.entryID,
	}, res.Err)
	d.logger.SendResult(p.ID(), transport, res.Duration, res.Err)
	return res
}

func (d *Dispatcher) sendStream(ctx context.Context, data []byte) (string, error) {
	id, err := d.stream.Append(ctx, map[string]string{stream.MessageField: string(data)})
	if err != nil {
		return "", errors.TransportFailure(packet.TransportStream, err)
	}
	return id, nil
}

// sendRPC returns the number of fragments sent, 0 for a single call.
func (d *Dispatcher) sendRPC(ctx context.Context, packetID string, data []byte) (int, error) {
	size := len(data)
	if s, ok := d.rpc.(EnvelopeSizer); ok {
		size = s.EnvelopeSize(data)
	}
	if d.rpcLimit == 0 || size <= d.rpcLimit {
		ack, err := d.rpc.Deliver(ctx, data)
		if err != nil {
			return 0, errors.TransportFailure(packet.TransportRPC, err)
		}
		if !ack {
			return 0, errors.Nack(packet.TransportRPC)
		}
		return 0, nil
	}

	frags, err := packet.SplitBytes(packetID, data, d.config.MaxFragmentSize)
	if err != nil {
		return 0, err
	}

	for i, f := range frags {
		ack, err := d.rpc.DeliverFragment(ctx, f)
		if err != nil {
			return i, errors.TransportFailure(packet.TransportRPC, err,
				errors.WithMetadata("fragment", fmt.Sprintf("%d/%d", f.Index+1, f.Total)),
			)
		}
		if !ack {
			return i, errors.Nack(packet.TransportRPC,
				errors.WithMetadata("fragment", fmt.Sprintf("%d/%d", f.Index+1, f.Total)),
			)
		}
	}

	d.logger.FragmentsSent(packetID, len(frags), len(data))
	return len(frags), nil
}
