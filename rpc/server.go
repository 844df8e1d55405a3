package rpc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/packetkit/logging"
)

// WebSocketServer serves JSON-RPC over WebSocket. Requests on one
// connection are handled in arrival order.
type WebSocketServer struct {
	handler  Handler
	config   WebSocketConfig
	upgrader *websocket.Upgrader
	logger   *logging.Logger
}

// NewWebSocketServer creates a server dispatching to handler.
// A nil logger discards output.
func NewWebSocketServer(handler Handler, cfg WebSocketConfig, logger *logging.Logger) *WebSocketServer {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Discard()
	}
	return &WebSocketServer{
		handler: handler,
		config:  cfg,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
		},
		logger: logger.WithComponent("rpc"),
	}
}

// ServeHTTP upgrades the request and serves calls until the peer goes away.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.config.MaxMessageSize)

	s.logger.Debug("rpc connection opened", map[string]interface{}{"remote": r.RemoteAddr})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.logger.Warn("rpc message over read limit, closing connection", map[string]interface{}{
					"remote": r.RemoteAddr,
					"limit":  s.config.MaxMessageSize,
				})
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("rpc connection read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		resp := serve(ctx, s.handler, data)
		if resp == nil {
			continue
		}

		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, resp)
		writeMu.Unlock()
		if err != nil {
			s.logger.Warn("rpc response write failed", map[string]interface{}{"error": err.Error()})
			return
		}
	}
}
