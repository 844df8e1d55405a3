package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultJetStreamConfig()
	cfg.URL = url
	cfg.Stream = "PACKETS_AVAILABLE"
	cfg.Subject = "packets.available"
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	c, err := NewJetStreamClient(context.Background(), cfg)
	if err != nil {
		t.Skipf("skipping: JetStream not available at %s: %v", url, err)
	}
	c.Close()

	return url
}

func newTestClient(t *testing.T) *JetStreamClient {
	url := getNATSURL(t)

	cfg := DefaultJetStreamConfig()
	cfg.URL = url
	cfg.Stream = fmt.Sprintf("PACKETS_TEST_%d", time.Now().UnixNano())
	cfg.Subject = fmt.Sprintf("packets.test.%d", time.Now().UnixNano())
	cfg.MaxAge = time.Minute

	c, err := NewJetStreamClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewJetStreamClient error: %v", err)
	}
	t.Cleanup(func() {
		c.js.DeleteStream(context.Background(), cfg.Stream)
		c.Close()
	})
	return c
}

func TestJetStream_AppendConsume(t *testing.T) {
	c := newTestClient(t)

	id, err := c.Append(context.Background(), map[string]string{MessageField: `{"packet_id":"p1"}`})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id != "1" {
		t.Errorf("entry id = %q, want 1", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Entry, 1)
	go c.Consume(ctx, "test-consumer", func(_ context.Context, e Entry) error {
		select {
		case got <- e:
		default:
		}
		return nil
	})

	select {
	case e := <-got:
		if e.ID != id {
			t.Errorf("consumed id = %q, want %q", e.ID, id)
		}
		msg, _ := e.Message()
		if string(msg) != `{"packet_id":"p1"}` {
			t.Errorf("message = %s", msg)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for entry")
	}
}

func TestJetStream_ConsumeTermsUndecodableNaksFailures(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.js.Publish(ctx, c.config.Subject, []byte("not json")); err != nil {
		t.Fatalf("raw publish error: %v", err)
	}
	id, err := c.Append(ctx, map[string]string{MessageField: `{"packet_id":"p1"}`})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}

	var attempts int
	done := make(chan struct{})
	go c.Consume(ctx, "term-nak", func(_ context.Context, e Entry) error {
		if e.ID != id {
			t.Errorf("handler saw entry %q, want only %q", e.ID, id)
		}
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("failed entry was not redelivered")
	}

	cons, err := c.stream.Consumer(ctx, "term-nak")
	if err != nil {
		t.Fatalf("Consumer error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := cons.Info(ctx)
		if err != nil {
			t.Fatalf("Info error: %v", err)
		}
		if info.NumAckPending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("NumAckPending = %d, want 0 (undecodable entry left pending)", info.NumAckPending)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestJetStream_AppendAfterClose(t *testing.T) {
	c := newTestClient(t)
	c.Conn().Close()

	if _, err := c.Append(context.Background(), map[string]string{MessageField: "x"}); err == nil {
		t.Error("expected error after connection closed")
	}
}

func TestJetStream_AppendTooLarge(t *testing.T) {
	c := newTestClient(t)

	limit := c.MaxMessageSize()
	if want := int(c.Conn().MaxPayload()) - headerReserve; limit != want {
		t.Fatalf("MaxMessageSize() = %d, want %d", limit, want)
	}

	_, err := c.Append(context.Background(), map[string]string{MessageField: strings.Repeat("x", limit)})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}

func TestEntryLimit(t *testing.T) {
	tests := []struct {
		name       string
		maxPayload int64
		want       int
	}{
		{"server default", 1024 * 1024, 1024*1024 - headerReserve},
		{"unknown", 0, 0},
		{"smaller than reserve", 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryLimit(tt.maxPayload); got != tt.want {
				t.Errorf("entryLimit(%d) = %d, want %d", tt.maxPayload, got, tt.want)
			}
		})
	}
}

func TestDefaultJetStreamConfig(t *testing.T) {
	cfg := DefaultJetStreamConfig()
	if cfg.Stream != "PACKETS" {
		t.Errorf("Stream = %q, want PACKETS", cfg.Stream)
	}
	if cfg.Subject != "packets.tools" {
		t.Errorf("Subject = %q, want packets.tools", cfg.Subject)
	}
	if cfg.PublishTimeout != 5*time.Second {
		t.Errorf("PublishTimeout = %v, want 5s", cfg.PublishTimeout)
	}
}
