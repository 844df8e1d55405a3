package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/vinayprograms/packetkit/dispatch"
	"github.com/vinayprograms/packetkit/packet"
	"github.com/vinayprograms/packetkit/rpc"
	"github.com/vinayprograms/packetkit/stream"
)

// The transports handed to dispatch.New report their size limits.
var (
	_ dispatch.MessageLimiter = (*rpc.WebSocketClient)(nil)
	_ dispatch.EnvelopeSizer  = (*rpc.WebSocketClient)(nil)
	_ dispatch.MessageLimiter = (*rpc.NATSClient)(nil)
	_ dispatch.EnvelopeSizer  = (*rpc.NATSClient)(nil)
	_ dispatch.MessageLimiter = (*stream.JetStreamClient)(nil)
)

type downRPC struct{}

func (downRPC) Deliver(ctx context.Context, data []byte) (bool, error) {
	return false, errors.New("down")
}

func (downRPC) DeliverFragment(ctx context.Context, f packet.Fragment) (bool, error) {
	return false, errors.New("down")
}

func TestDispatchLines(t *testing.T) {
	mem := stream.NewMemoryStream(0)
	d, err := dispatch.New(mem, downRPC{}, dispatch.DefaultConfig())
	if err != nil {
		t.Fatalf("dispatch.New error: %v", err)
	}

	in := strings.Join([]string{
		`{"agent_id":"a","step_id":"1","tool":"search","payload":{"q":"go"}}`,
		``,
		`not json`,
		`{"agent_id":"a","step_id":"2","tool":"search","transport_hint":"rpc"}`,
	}, "\n")

	var out bytes.Buffer
	if err := dispatchLines(context.Background(), d, bufio.NewScanner(strings.NewReader(in)), json.NewEncoder(&out)); err != nil {
		t.Fatalf("dispatchLines error: %v", err)
	}

	var receipts []receiptLine
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r receiptLine
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode receipt: %v", err)
		}
		receipts = append(receipts, r)
	}
	if len(receipts) != 3 {
		t.Fatalf("got %d receipts, want 3", len(receipts))
	}

	if receipts[0].Transport != packet.TransportStream || receipts[0].EntryID != "1" {
		t.Errorf("receipt 0 = %+v, want stream entry 1", receipts[0])
	}
	if receipts[1].Code != "INVALID_INPUT" {
		t.Errorf("receipt 1 code = %q, want INVALID_INPUT", receipts[1].Code)
	}
	// Hinted to rpc, which is down; falls back to the stream.
	if receipts[2].Transport != packet.TransportStream || !receipts[2].Fallback {
		t.Errorf("receipt 2 = %+v, want stream fallback", receipts[2])
	}
	if len(receipts[2].Attempts) != 2 || receipts[2].Attempts[0] != packet.TransportRPC {
		t.Errorf("receipt 2 attempts = %v, want [rpc stream]", receipts[2].Attempts)
	}
	if mem.Len() != 2 {
		t.Errorf("stream entries = %d, want 2", mem.Len())
	}
}

func TestDispatchLines_IntegerPrecision(t *testing.T) {
	mem := stream.NewMemoryStream(0)
	d, err := dispatch.New(mem, downRPC{}, dispatch.DefaultConfig())
	if err != nil {
		t.Fatalf("dispatch.New error: %v", err)
	}

	in := `{"agent_id":"a","step_id":"1","tool":"lookup","payload":{"id":9007199254740993}}`
	var out bytes.Buffer
	if err := dispatchLines(context.Background(), d, bufio.NewScanner(strings.NewReader(in)), json.NewEncoder(&out)); err != nil {
		t.Fatalf("dispatchLines error: %v", err)
	}

	entries := mem.Entries()
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	if msg := entries[0].Fields[stream.MessageField]; !strings.Contains(msg, `"id":9007199254740993`) {
		t.Errorf("message = %s, want exact integer", msg)
	}
}

func TestToReceiptLine_DeliveryError(t *testing.T) {
	mem := stream.NewMemoryStream(0)
	mem.Close()
	d, _ := dispatch.New(mem, downRPC{}, dispatch.DefaultConfig())

	p := packet.New("a", "s", "t", nil, "")
	r, err := d.Dispatch(context.Background(), p)
	line := toReceiptLine(p, r, err)

	if line.Code != "DELIVERY_FAILED" {
		t.Errorf("Code = %q, want DELIVERY_FAILED", line.Code)
	}
	if len(line.Attempts) != 2 {
		t.Errorf("Attempts = %v, want two transports", line.Attempts)
	}
}
