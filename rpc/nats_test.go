package rpc

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// getNATSConn returns a live NATS connection, or skips the test.
func getNATSConn(t *testing.T) *nats.Conn {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	conn, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSConfig_Defaults(t *testing.T) {
	cfg := DefaultNATSConfig()
	if cfg.Subject != "packets.rpc" {
		t.Errorf("Subject = %q, want packets.rpc", cfg.Subject)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Timeout)
	}
}

func TestNATS_Deliver(t *testing.T) {
	conn := getNATSConn(t)
	subject := "packets.rpc.test." + nats.NewInbox()[len("_INBOX."):]

	r := &fakeReceiver{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ServeNATS(ctx, conn, subject, "tools", NewPacketHandler(r))

	client := NewNATSClient(conn, NATSConfig{Subject: subject, Timeout: 2 * time.Second})

	// The responder subscribes asynchronously; retry until it answers.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ack, err := client.Deliver(context.Background(), []byte(`{"packet_id":"p1"}`))
		if err == nil {
			if !ack {
				t.Error("ack = false, want true")
			}
			return
		}
		if !errors.Is(err, ErrNoResponders) || time.Now().After(deadline) {
			t.Fatalf("Deliver error: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNATS_NoResponders(t *testing.T) {
	conn := getNATSConn(t)
	client := NewNATSClient(conn, NATSConfig{Subject: "packets.rpc.nobody." + nats.NewInbox()[len("_INBOX."):], Timeout: time.Second})

	if _, err := client.Deliver(context.Background(), []byte("x")); !errors.Is(err, ErrNoResponders) {
		t.Errorf("error = %v, want ErrNoResponders", err)
	}
}

func TestRequestLimit(t *testing.T) {
	tests := []struct {
		name       string
		maxPayload int64
		want       int
	}{
		{"server default", 1024 * 1024, 1024*1024 - natsHeaderReserve},
		{"unknown", 0, 0},
		{"smaller than reserve", 512, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := requestLimit(tt.maxPayload); got != tt.want {
				t.Errorf("requestLimit(%d) = %d, want %d", tt.maxPayload, got, tt.want)
			}
		})
	}
}

func TestNATS_MaxPayload(t *testing.T) {
	conn := getNATSConn(t)
	client := NewNATSClient(conn, NATSConfig{Subject: "packets.rpc.big." + nats.NewInbox()[len("_INBOX."):], Timeout: time.Second})

	limit := client.MaxMessageSize()
	if want := int(conn.MaxPayload()) - natsHeaderReserve; limit != want {
		t.Fatalf("MaxMessageSize() = %d, want %d", limit, want)
	}

	big := make([]byte, limit)
	if _, err := client.Deliver(context.Background(), big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}
