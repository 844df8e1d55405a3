// Package receiver is the tool-side intake for dispatched packets.
//
// A Receiver accepts whole packets and fragments from the RPC transport and
// entries from the stream transport, drops duplicates by packet ID, and hands
// each packet to a Sink exactly once per dedup window.
package receiver

import (
	"context"
	"time"

	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/logging"
	"github.com/vinayprograms/packetkit/packet"
	"github.com/vinayprograms/packetkit/stream"
	"github.com/vinayprograms/packetkit/telemetry"
)

// Sink receives each accepted packet.
type Sink interface {
	Deliver(ctx context.Context, p *packet.Packet) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(ctx context.Context, p *packet.Packet) error

func (f SinkFunc) Deliver(ctx context.Context, p *packet.Packet) error {
	return f(ctx, p)
}

// Receive paths, recorded on spans and log lines.
const (
	ViaRPC       = "rpc"
	ViaFragments = "rpc.fragments"
	ViaStream    = "stream"
)

// Config holds receiver configuration.
type Config struct {
	// FragmentTTL drops fragment sequences that stay incomplete this long.
	// Default: 30s
	FragmentTTL time.Duration

	// MaxPending bounds buffered fragment sequences.
	// Default: 1024
	MaxPending int

	// DedupTTL is used for the default in-memory Dedup.
	// Default: 10m
	DedupTTL time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FragmentTTL: 30 * time.Second,
		MaxPending:  1024,
		DedupTTL:    10 * time.Minute,
	}
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithDedup replaces the default in-memory Dedup.
func WithDedup(d Dedup) Option {
	return func(r *Receiver) { r.dedup = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Receiver) { r.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Receiver) { r.tracer = t }
}

// Receiver implements rpc.Receiver and consumes stream entries.
type Receiver struct {
	sink      Sink
	dedup     Dedup
	assembler *Assembler
	logger    *logging.Logger
	tracer    *telemetry.Tracer
}

// New creates a Receiver delivering to sink.
func New(sink Sink, cfg Config, opts ...Option) (*Receiver, error) {
	if sink == nil {
		return nil, errors.InvalidConfiguration("receiver requires a sink")
	}
	d := DefaultConfig()
	if cfg.FragmentTTL <= 0 {
		cfg.FragmentTTL = d.FragmentTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = d.MaxPending
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = d.DedupTTL
	}

	r := &Receiver{
		sink:      sink,
		assembler: NewAssembler(cfg.FragmentTTL, cfg.MaxPending),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dedup == nil {
		r.dedup = NewMemoryDedup(cfg.DedupTTL)
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	if r.tracer == nil {
		r.tracer = telemetry.GetTracer()
	}
	r.logger = r.logger.WithComponent("receiver")
	return r, nil
}

// AcceptPacket handles one serialized packet from the RPC transport.
func (r *Receiver) AcceptPacket(ctx context.Context, data []byte) error {
	return r.accept(ctx, data, ViaRPC)
}

// AcceptFragment buffers one fragment and delivers the packet once the
// sequence is complete.
func (r *Receiver) AcceptFragment(ctx context.Context, f packet.Fragment) error {
	data, complete, err := r.assembler.Add(f)
	if err != nil {
		r.logger.Warn("fragment_rejected", map[string]interface{}{
			"packet": f.PacketID,
			"index":  f.Index,
			"total":  f.Total,
			"error":  err.Error(),
		})
		return err
	}
	if !complete {
		return nil
	}
	return r.accept(ctx, data, ViaFragments)
}

// AcceptEntry handles one entry from the stream transport.
func (r *Receiver) AcceptEntry(ctx context.Context, e stream.Entry) error {
	data, err := e.Message()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "stream entry "+e.ID)
	}
	return r.accept(ctx, data, ViaStream)
}

// PendingFragments returns the number of incomplete fragment sequences.
func (r *Receiver) PendingFragments() int {
	return r.assembler.Pending()
}

func (r *Receiver) accept(ctx context.Context, data []byte, via string) (err error) {
	ctx, span := r.tracer.StartReceiveSpan(ctx, via)
	var (
		packetID  string
		duplicate bool
	)
	defer func() { r.tracer.EndReceiveSpan(span, packetID, duplicate, err) }()

	p, err := packet.Deserialize(data)
	if err != nil {
		return err
	}
	packetID = p.ID()

	duplicate, err = r.dedup.Seen(ctx, packetID)
	if err != nil {
		return errors.Wrap(err, "dedup lookup", errors.WithPacketID(packetID))
	}
	if duplicate {
		r.logger.DuplicateDropped(packetID)
		return nil
	}

	p.Transport = transportOf(via)
	if err = r.sink.Deliver(ctx, p); err != nil {
		// Let a redelivery through.
		if ferr := r.dedup.Forget(ctx, packetID); ferr != nil {
			r.logger.ForgetFailed(packetID, ferr)
		}
		return errors.Wrap(err, "sink", errors.WithPacketID(packetID))
	}

	r.logger.PacketReceived(packetID, p.Tool, via)
	return nil
}

func transportOf(via string) string {
	if via == ViaStream {
		return packet.TransportStream
	}
	return packet.TransportRPC
}
