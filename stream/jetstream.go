package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/packetkit/telemetry"
)

// JetStreamClient appends packet entries to a NATS JetStream stream.
// It is safe for concurrent use.
type JetStreamClient struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config JetStreamConfig
	owned  bool
}

// JetStreamConfig holds connection and stream configuration.
type JetStreamConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// Stream is the JetStream stream name.
	// Default: "PACKETS"
	Stream string

	// Subject entries are published to. The stream is bound to it.
	// Default: "packets.tools"
	Subject string

	// MaxAge bounds entry retention (0 = unlimited).
	MaxAge time.Duration

	// MaxMsgSize caps a single entry (0 = server default).
	MaxMsgSize int32

	// PublishTimeout bounds a single Append.
	// Default: 5s
	PublishTimeout time.Duration

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultJetStreamConfig returns configuration with sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:            nats.DefaultURL,
		Stream:         "PACKETS",
		Subject:        "packets.tools",
		PublishTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

func (c *JetStreamConfig) applyDefaults() {
	d := DefaultJetStreamConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Subject == "" {
		c.Subject = d.Subject
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
}

// NewJetStreamClient connects to NATS and creates or updates the stream.
func NewJetStreamClient(ctx context.Context, cfg JetStreamConfig) (*JetStreamClient, error) {
	cfg.applyDefaults()

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	c, err := NewJetStreamClientFromConn(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

// NewJetStreamClientFromConn builds a client on an existing connection.
// Close does not close a connection passed in here.
func NewJetStreamClientFromConn(ctx context.Context, conn *nats.Conn, cfg JetStreamConfig) (*JetStreamClient, error) {
	cfg.applyDefaults()

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	s, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		MaxAge:     cfg.MaxAge,
		MaxMsgSize: cfg.MaxMsgSize,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &JetStreamClient{
		conn:   conn,
		js:     js,
		stream: s,
		config: cfg,
	}, nil
}

func buildNATSOptions(cfg JetStreamConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// headerReserve is kept free of max_payload for headers such as the trace
// context.
const headerReserve = 1024

// entryLimit is the largest entry body that fits maxPayload, or 0 when the
// limit is unknown.
func entryLimit(maxPayload int64) int {
	if n := maxPayload - headerReserve; n > 0 {
		return int(n)
	}
	return 0
}

// MaxMessageSize is the largest entry body Append publishes: the server's
// max_payload less header room, capped further by MaxMsgSize when set.
// It returns 0 when neither limit is known.
func (c *JetStreamClient) MaxMessageSize() int {
	limit := entryLimit(c.conn.MaxPayload())
	if m := entryLimit(int64(c.config.MaxMsgSize)); m > 0 && (limit == 0 || m < limit) {
		limit = m
	}
	return limit
}

// Append publishes one entry and returns its stream sequence. Entries over
// MaxMessageSize fail with ErrTooLarge; a publish that runs out of time
// fails with ErrTimeout.
func (c *JetStreamClient) Append(ctx context.Context, fields map[string]string) (string, error) {
	if c.conn.IsClosed() {
		return "", ErrClosed
	}

	body, err := EncodeFields(fields)
	if err != nil {
		return "", err
	}
	if limit := c.MaxMessageSize(); limit > 0 && len(body) > limit {
		return "", fmt.Errorf("%w: entry is %d bytes, limit %d", ErrTooLarge, len(body), limit)
	}

	msg := nats.NewMsg(c.config.Subject)
	msg.Data = body
	telemetry.InjectContext(ctx, telemetry.HeaderCarrier(msg.Header))

	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	ack, err := c.js.PublishMsg(ctx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return "", fmt.Errorf("jetstream publish: %w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("jetstream publish: %w", err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Handler processes one consumed entry. A nil return acks it.
type Handler func(ctx context.Context, e Entry) error

// Consume delivers entries from a durable consumer to handler until ctx is done.
// Entries that fail to decode are terminated without redelivery; entries whose
// handler errors are nak'd for redelivery.
func (c *JetStreamClient) Consume(ctx context.Context, durable string, handler Handler) error {
	cons, err := c.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.config.Subject,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(func(m jetstream.Msg) {
		var id string
		if md, err := m.Metadata(); err == nil {
			id = strconv.FormatUint(md.Sequence.Stream, 10)
		}

		entry, err := DecodeEntry(id, m.Data())
		if err != nil {
			// Undecodable entries will never succeed; drop them.
			m.Term()
			return
		}

		msgCtx := telemetry.ExtractContext(ctx, telemetry.HeaderCarrier(m.Headers()))
		if err := handler(msgCtx, entry); err != nil {
			m.Nak()
			return
		}
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

// Close closes the connection if the client opened it.
func (c *JetStreamClient) Close() error {
	if c.owned {
		c.conn.Close()
	}
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (c *JetStreamClient) Conn() *nats.Conn {
	return c.conn
}
