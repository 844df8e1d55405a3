package receiver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Dedup records packet IDs and reports repeats.
type Dedup interface {
	// Seen records id and reports whether it was already recorded.
	Seen(ctx context.Context, id string) (bool, error)

	// Forget removes id so a later redelivery is accepted.
	Forget(ctx context.Context, id string) error
}

// MemoryDedup is an in-process Dedup whose entries expire after a TTL.
type MemoryDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	inserts int
	now     func() time.Time
}

// NewMemoryDedup creates a MemoryDedup. A non-positive ttl keeps IDs forever.
func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	return &MemoryDedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen records id and reports whether it was already recorded.
func (d *MemoryDedup) Seen(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && !d.expired(at, now) {
		return true, nil
	}

	d.seen[id] = now
	d.inserts++
	if d.inserts%1024 == 0 {
		d.sweep(now)
	}
	return false, nil
}

// Forget removes id.
func (d *MemoryDedup) Forget(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
	return nil
}

// Len returns the number of recorded IDs, expired or not.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *MemoryDedup) expired(at, now time.Time) bool {
	return d.ttl > 0 && now.Sub(at) > d.ttl
}

func (d *MemoryDedup) sweep(now time.Time) {
	for id, at := range d.seen {
		if d.expired(at, now) {
			delete(d.seen, id)
		}
	}
}

// NATSDedupConfig configures a JetStream KV backed Dedup.
type NATSDedupConfig struct {
	// Bucket is the KV bucket name.
	// Default: "packet-dedup"
	Bucket string

	// TTL bounds how long an ID is remembered.
	// Default: 10m
	TTL time.Duration
}

// DefaultNATSDedupConfig returns configuration with sensible defaults.
func DefaultNATSDedupConfig() NATSDedupConfig {
	return NATSDedupConfig{
		Bucket: "packet-dedup",
		TTL:    10 * time.Minute,
	}
}

// NATSDedup shares dedup state between receivers through a JetStream KV
// bucket. Create is atomic, so concurrent receivers agree on the first.
type NATSDedup struct {
	kv jetstream.KeyValue
}

// NewNATSDedup creates or updates the bucket on conn.
func NewNATSDedup(ctx context.Context, conn *nats.Conn, cfg NATSDedupConfig) (*NATSDedup, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	d := DefaultNATSDedupConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = d.Bucket
	}
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		TTL:     cfg.TTL,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSDedup{kv: kv}, nil
}

// Seen records id and reports whether it was already recorded.
func (d *NATSDedup) Seen(ctx context.Context, id string) (bool, error) {
	_, err := d.kv.Create(ctx, dedupKey(id), []byte{1})
	if err == nil {
		return false, nil
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true, nil
	}
	return false, fmt.Errorf("kv create: %w", err)
}

// Forget removes id.
func (d *NATSDedup) Forget(ctx context.Context, id string) error {
	if err := d.kv.Purge(ctx, dedupKey(id)); err != nil {
		return fmt.Errorf("kv purge: %w", err)
	}
	return nil
}

// dedupKey maps a packet ID to a legal KV key. UUIDs pass through.
func dedupKey(id string) string {
	if validKey(id) {
		return id
	}
	return "x." + hex.EncodeToString([]byte(id))
}

func validKey(s string) bool {
	if s == "" || s[0] == '.' || s[len(s)-1] == '.' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '=':
		default:
			return false
		}
	}
	return true
}
