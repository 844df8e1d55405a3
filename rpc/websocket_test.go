package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/packetkit/packet"
)

// fakeReceiver records what arrives and rejects on demand.
type fakeReceiver struct {
	mu        sync.Mutex
	packets   []string
	fragments []packet.Fragment
	reject    bool
}

func (r *fakeReceiver) AcceptPacket(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return errors.New("rejected")
	}
	r.packets = append(r.packets, string(data))
	return nil
}

func (r *fakeReceiver) AcceptFragment(ctx context.Context, f packet.Fragment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return errors.New("rejected")
	}
	r.fragments = append(r.fragments, f)
	return nil
}

func (r *fakeReceiver) received() ([]string, []packet.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.packets...), append([]packet.Fragment(nil), r.fragments...)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestPair(t *testing.T, r Receiver) *WebSocketClient {
	t.Helper()
	server := httptest.NewServer(NewWebSocketServer(NewPacketHandler(r), DefaultWebSocketConfig(), nil))
	t.Cleanup(server.Close)

	client, err := Dial(context.Background(), wsURL(server), DefaultWebSocketConfig())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWebSocketConfig_Defaults(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	if cfg.CallTimeout != 10*time.Second {
		t.Errorf("CallTimeout = %v, want 10s", cfg.CallTimeout)
	}
	if cfg.MaxMessageSize != 4*1024*1024 {
		t.Errorf("MaxMessageSize = %d, want 4MB", cfg.MaxMessageSize)
	}
}

func TestWebSocket_Deliver(t *testing.T) {
	r := &fakeReceiver{}
	client := newTestPair(t, r)

	ack, err := client.Deliver(context.Background(), []byte(`{"packet_id":"p1"}`))
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if !ack {
		t.Error("ack = false, want true")
	}
	if packets, _ := r.received(); len(packets) != 1 || packets[0] != `{"packet_id":"p1"}` {
		t.Errorf("packets = %v", packets)
	}
}

func TestWebSocket_DeliverFragment(t *testing.T) {
	r := &fakeReceiver{}
	client := newTestPair(t, r)

	frags, err := packet.SplitBytes("p1", []byte("abcdefghij"), 4)
	if err != nil {
		t.Fatalf("SplitBytes error: %v", err)
	}
	for _, f := range frags {
		ack, err := client.DeliverFragment(context.Background(), f)
		if err != nil || !ack {
			t.Fatalf("DeliverFragment(%d) = %v, %v", f.Index, ack, err)
		}
	}

	_, fragments := r.received()
	got, err := packet.Reassemble(fragments)
	if err != nil {
		t.Fatalf("Reassemble error: %v", err)
	}
	if string(got) != "abcdefghij" {
		t.Errorf("reassembled = %q", got)
	}
}

func TestWebSocket_Nack(t *testing.T) {
	client := newTestPair(t, &fakeReceiver{reject: true})

	ack, err := client.Deliver(context.Background(), []byte(`{"packet_id":"p1"}`))
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if ack {
		t.Error("ack = true, want false for rejected packet")
	}
}

func TestWebSocket_RPCErrors(t *testing.T) {
	client := newTestPair(t, &fakeReceiver{})

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"unknown method", "packet.nope", DeliverParams{Packet: "x"}, MethodNotFound},
		{"empty packet", MethodDeliver, DeliverParams{}, InvalidParams},
		{"bad fragment", MethodDeliverFragment, map[string]int{"packet_id": 1}, InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Call(context.Background(), tt.method, tt.params, nil)
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if rpcErr.Code != tt.code {
				t.Errorf("code = %d, want %d", rpcErr.Code, tt.code)
			}
			if rpcErr.Unwrap() == nil {
				t.Errorf("data = %v, want a decoded coded error", rpcErr.Data)
			}
		})
	}
}

func TestWebSocket_Concurrent(t *testing.T) {
	r := &fakeReceiver{}
	client := newTestPair(t, r)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := client.Deliver(context.Background(), []byte(fmt.Sprintf(`{"packet_id":"p%d"}`, i)))
			if err != nil || !ack {
				errs <- fmt.Errorf("deliver %d: ack=%v err=%v", i, ack, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if packets, _ := r.received(); len(packets) != 50 {
		t.Errorf("received %d packets, want 50", len(packets))
	}
}

// silentServer accepts a connection and never answers.
func silentServer(t *testing.T, conns chan<- *websocket.Conn) *httptest.Server {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebSocket_CallTimeout(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	server := silentServer(t, conns)

	cfg := DefaultWebSocketConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	client, err := Dial(context.Background(), wsURL(server), cfg)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	if _, err := client.Deliver(context.Background(), []byte("x")); !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestWebSocket_PendingFailOnDisconnect(t *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	server := silentServer(t, conns)

	cfg := DefaultWebSocketConfig()
	cfg.CallTimeout = 500 * time.Millisecond
	client, err := Dial(context.Background(), wsURL(server), cfg)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	serverConn := <-conns

	result := make(chan error, 1)
	go func() {
		_, err := client.Deliver(context.Background(), []byte("x"))
		result <- err
	}()

	// Let the call register before dropping the connection.
	time.Sleep(50 * time.Millisecond)
	serverConn.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released on disconnect")
	}

	// The next call redials; the silent server then lets it time out.
	if _, err := client.Deliver(context.Background(), []byte("x")); !errors.Is(err, ErrTimeout) {
		t.Errorf("call after disconnect error = %v, want ErrTimeout", err)
	}
	select {
	case <-conns:
	default:
		t.Error("client did not redial")
	}
}

func TestWebSocket_RedialAfterReadLimit(t *testing.T) {
	r := &fakeReceiver{}
	serverCfg := DefaultWebSocketConfig()
	serverCfg.MaxMessageSize = 1024
	server := httptest.NewServer(NewWebSocketServer(NewPacketHandler(r), serverCfg, nil))
	t.Cleanup(server.Close)

	client, err := Dial(context.Background(), wsURL(server), DefaultWebSocketConfig())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	big := []byte(`{"packet_id":"big","payload":"` + strings.Repeat("a", 2048) + `"}`)
	if _, err := client.Deliver(context.Background(), big); err == nil {
		t.Fatal("oversized Deliver succeeded, want error")
	}

	ack, err := client.Deliver(context.Background(), []byte(`{"packet_id":"small"}`))
	if err != nil || !ack {
		t.Fatalf("Deliver after drop = %v, %v; want ack", ack, err)
	}
	select {
	case <-client.Done():
		t.Error("Done closed on a client that redials")
	default:
	}
	if packets, _ := r.received(); len(packets) != 1 || packets[0] != `{"packet_id":"small"}` {
		t.Errorf("packets = %v", packets)
	}
}

func TestWebSocket_HTMLHeavyPacket(t *testing.T) {
	r := &fakeReceiver{}
	cfg := DefaultWebSocketConfig()
	server := httptest.NewServer(NewWebSocketServer(NewPacketHandler(r), WebSocketConfig{MaxMessageSize: 4096}, nil))
	t.Cleanup(server.Close)

	client, err := Dial(context.Background(), wsURL(server), cfg)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	// Escaped as \u003c and friends, this markup would be six times larger.
	pkt := `{"packet_id":"h","payload":"` + strings.Repeat("<&>", 1000) + `"}`
	if n := EnvelopeSize([]byte(pkt)); n > 4096 {
		t.Fatalf("EnvelopeSize = %d, test packet must fit 4096", n)
	}

	ack, err := client.Deliver(context.Background(), []byte(pkt))
	if err != nil || !ack {
		t.Fatalf("Deliver = %v, %v; want ack", ack, err)
	}
	if packets, _ := r.received(); len(packets) != 1 || packets[0] != pkt {
		t.Error("packet did not arrive intact")
	}
}

func TestWebSocket_RejectsOversizedRequest(t *testing.T) {
	r := &fakeReceiver{}
	cfg := DefaultWebSocketConfig()
	cfg.MaxMessageSize = 512
	server := httptest.NewServer(NewWebSocketServer(NewPacketHandler(r), cfg, nil))
	t.Cleanup(server.Close)

	client, err := Dial(context.Background(), wsURL(server), cfg)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	if client.MaxMessageSize() != 512 {
		t.Errorf("MaxMessageSize() = %d, want 512", client.MaxMessageSize())
	}

	big := []byte(strings.Repeat("x", 600))
	if _, err := client.Deliver(context.Background(), big); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error = %v, want ErrTooLarge", err)
	}

	// Nothing was written, so the connection is still usable.
	ack, err := client.Deliver(context.Background(), []byte(`{"packet_id":"ok"}`))
	if err != nil || !ack {
		t.Fatalf("Deliver after rejection = %v, %v; want ack", ack, err)
	}
}

func TestWebSocket_ExistingConnNoRedial(t *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	server := silentServer(t, conns)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	client := NewWebSocketClient(conn, DefaultWebSocketConfig())
	defer client.Close()

	(<-conns).Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after disconnect")
	}
	if _, err := client.Deliver(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
}

func TestWebSocket_ContextCancel(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	server := silentServer(t, conns)

	client, err := Dial(context.Background(), wsURL(server), DefaultWebSocketConfig())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := client.Call(ctx, MethodDeliver, DeliverParams{Packet: "x"}, &json.RawMessage{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}
