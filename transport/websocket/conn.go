package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wricardo/messenger-relay/chat/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

const defaultSendBuffer = 256

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the client host is fixed
		return true
	},
}

// Handler receives the events of every connection.
type Handler interface {
	HandleInbound(ctx context.Context, conn registry.Conn, raw []byte)
	HandleClose(conn registry.Conn)
}

// Server upgrades HTTP requests and runs one read and one write pump per
// connection.
type Server struct {
	handler    Handler
	sendBuffer int
	log        zerolog.Logger
}

// NewServer creates a WebSocket server feeding handler.
func NewServer(handler Handler, sendBuffer int, log zerolog.Logger) *Server {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Server{
		handler:    handler,
		sendBuffer: sendBuffer,
		log:        log.With().Str("component", "websocket").Logger(),
	}
}

// ServeWS handles WebSocket requests from clients
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", "warning").Msg("WebSocket upgrade failed")
		return
	}

	c := &Conn{
		ws:   ws,
		send: make(chan []byte, s.sendBuffer),
		done: make(chan struct{}),
	}
	s.log.Info().Str("kind", "info").Str("remote", r.RemoteAddr).Msg("Connection opened")

	go c.writePump()
	go s.readPump(context.WithoutCancel(r.Context()), c)
}

// Conn is a registry.Conn backed by a WebSocket.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	reason string
}

// Send queues a text frame without blocking.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued frames, then closes the connection with reason.
// A non-empty reason is sent with the policy-violation close code.
func (c *Conn) Close(reason string) error {
	c.shutdown(reason)
	return nil
}

func (c *Conn) shutdown(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.done)
}

// readPump pumps frames from the WebSocket connection to the handler
func (s *Server) readPump(ctx context.Context, c *Conn) {
	defer func() {
		c.shutdown("")
		s.handler.HandleClose(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Str("kind", "warning").Msg("WebSocket error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Debug().Int("type", msgType).Msg("Ignoring non-text frame")
			continue
		}
		s.handler.HandleInbound(ctx, c, data)
	}
}

// writePump pumps queued frames to the WebSocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.shutdown("")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown("")
				return
			}

		case <-c.done:
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			code := websocket.CloseNormalClosure
			if c.reason != "" {
				code = websocket.ClosePolicyViolation
			}
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, c.reason))
			return
		}
	}
}

func (c *Conn) write(message []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, message)
}

// flush writes frames queued before the connection was closed.
func (c *Conn) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}
