package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/packetkit/packet"
)

// WebSocketConfig holds WebSocket client and server configuration.
type WebSocketConfig struct {
	// CallTimeout bounds one call, including the wait for its response.
	CallTimeout time.Duration

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// HandshakeTimeout for Dial.
	HandshakeTimeout time.Duration

	// MaxMessageSize limits one message in either direction. Client and
	// server should agree on it.
	MaxMessageSize int64

	// Header is sent with the handshake request.
	Header http.Header
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		CallTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxMessageSize:   4 * 1024 * 1024, // 4MB
	}
}

func (c *WebSocketConfig) applyDefaults() {
	d := DefaultWebSocketConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
}

// WebSocketClient makes JSON-RPC calls over a WebSocket connection.
// A client built by Dial redials on the next call after its connection
// drops; one built by NewWebSocketClient stays closed.
// It is safe for concurrent use.
type WebSocketClient struct {
	config WebSocketConfig
	redial func(ctx context.Context) (*websocket.Conn, error)
	nextID atomic.Uint64

	mu     sync.Mutex
	sess   *wsSession
	closed bool
	done   chan struct{}
}

// wsSession is one connection and the calls waiting on it.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *rawResponse
	dead    bool
	done    chan struct{}
}

// Dial connects to a JSON-RPC WebSocket endpoint.
func Dial(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocketClient, error) {
	cfg.applyDefaults()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	redial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, cfg.Header)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", url, err)
		}
		return conn, nil
	}

	conn, err := redial(ctx)
	if err != nil {
		return nil, err
	}
	return newWebSocketClient(conn, cfg, redial), nil
}

// NewWebSocketClient creates a client from an existing connection and
// starts its read loop.
func NewWebSocketClient(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketClient {
	cfg.applyDefaults()
	return newWebSocketClient(conn, cfg, nil)
}

func newWebSocketClient(conn *websocket.Conn, cfg WebSocketConfig, redial func(context.Context) (*websocket.Conn, error)) *WebSocketClient {
	c := &WebSocketClient{
		config: cfg,
		redial: redial,
		done:   make(chan struct{}),
	}
	c.sess = c.start(conn)
	return c
}

func (c *WebSocketClient) start(conn *websocket.Conn) *wsSession {
	conn.SetReadLimit(c.config.MaxMessageSize)
	s := &wsSession{
		conn:    conn,
		pending: make(map[uint64]chan *rawResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop(s)
	return s
}

// Deliver sends one serialized packet and returns the ack flag.
func (c *WebSocketClient) Deliver(ctx context.Context, data []byte) (bool, error) {
	return deliver(ctx, c, data)
}

// DeliverFragment sends one fragment and returns the ack flag.
func (c *WebSocketClient) DeliverFragment(ctx context.Context, f packet.Fragment) (bool, error) {
	return deliverFragment(ctx, c, f)
}

// MaxMessageSize is the largest request Call will write.
func (c *WebSocketClient) MaxMessageSize() int {
	return int(c.config.MaxMessageSize)
}

// EnvelopeSize bounds the encoded packet.deliver request for serialized.
func (c *WebSocketClient) EnvelopeSize(serialized []byte) int {
	return EnvelopeSize(serialized)
}

// FragmentEnvelopeSize bounds the encoded packet.deliver_fragment request.
func (c *WebSocketClient) FragmentEnvelopeSize(packetID string, dataLen int) int {
	return FragmentEnvelopeSize(packetID, dataLen)
}

// Call sends a request and decodes the response result into result.
// A request larger than MaxMessageSize fails with ErrTooLarge and is
// never written.
func (c *WebSocketClient) Call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	id := c.nextID.Add(1)
	data, err := marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := checkSize(method, data, c.MaxMessageSize()); err != nil {
		return err
	}

	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	ch, err := s.register(id)
	if err != nil {
		return err
	}
	defer s.forget(id)

	if err := s.write(data, c.config.WriteTimeout); err != nil {
		return err
	}

	timer := time.NewTimer(c.config.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.decodeResult(result)
	case <-s.done:
		return ErrClosed
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session returns the live connection, redialing when the last one dropped.
func (c *WebSocketClient) session(ctx context.Context) (*wsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	select {
	case <-c.sess.done:
	default:
		return c.sess, nil
	}
	if c.redial == nil {
		return nil, ErrClosed
	}

	conn, err := c.redial(ctx)
	if err != nil {
		return nil, err
	}
	c.sess = c.start(conn)
	return c.sess, nil
}

// readLoop routes responses to pending calls until the connection fails.
func (c *WebSocketClient) readLoop(s *wsSession) {
	defer func() {
		s.shutdown()
		if c.redial == nil {
			c.shutdown()
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var resp rawResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil {
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		s.mu.Unlock()
		if ok {
			// Buffered; a late duplicate is dropped.
			select {
			case ch <- &resp:
			default:
			}
		}
	}
}

// shutdown marks the client closed.
func (c *WebSocketClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Close sends a close frame and closes the connection.
func (c *WebSocketClient) Close() error {
	c.shutdown()

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	return s.close()
}

// Done is closed once the client is closed. For a client built by
// NewWebSocketClient that includes the connection dropping.
func (c *WebSocketClient) Done() <-chan struct{} {
	return c.done
}

func (s *wsSession) register(id uint64) (chan *rawResponse, error) {
	ch := make(chan *rawResponse, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, ErrClosed
	}
	s.pending[id] = ch
	return ch, nil
}

func (s *wsSession) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// write sends one message. A failed write retires the session so the next
// call starts on a fresh connection.
func (s *wsSession) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.conn.Close()
		s.shutdown()
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// shutdown marks the session dead and releases every pending call.
func (s *wsSession) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	s.dead = true
	close(s.done)
}

func (s *wsSession) close() error {
	s.writeMu.Lock()
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.shutdown()
	return err
}
