package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/metrics"
	"github.com/awilliams/unifi-presence/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Message types sent on the event stream.
const (
	MessageTypeStatus = "status"
	MessageTypeEvent  = "event"
)

// Message is a websocket message.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans presence events out to websocket clients. A client that cannot
// keep up is dropped.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewHub returns an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) String() string {
	return "websocket-hub"
}

// Serve blocks until ctx is done, then disconnects every client.
func (h *Hub) Serve(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	n := len(h.clients)
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.closed = true
	h.mu.Unlock()

	h.logger.Info().Int("clients_closed", n).Msg("websocket hub stopped")
	return ctx.Err()
}

// Handle broadcasts e to every client. It implements presence.Handler.
func (h *Hub) Handle(ctx context.Context, e presence.Event) error {
	h.Broadcast(Message{Type: MessageTypeEvent, Data: e})
	return nil
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn().Str("remote", c.remote).Msg("websocket client too slow; disconnecting")
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request to a websocket and streams events to it,
// starting with the initial messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial ...Message) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		hub:    h,
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan Message, sendBuffer+len(initial)),
	}
	for _, msg := range initial {
		c.send <- msg
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebsocketClients.Inc()
	h.logger.Debug().Str("remote", c.remote).Int("total_clients", n).Msg("websocket client connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebsocketClients.Dec()
	h.logger.Debug().Str("remote", c.remote).Int("total_clients", len(h.clients)).Msg("websocket client disconnected")
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan Message
}

// readPump discards client messages and detects closed connections.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("remote", c.remote).Msg("websocket read")
			}
			return
		}
	}
}

// writePump writes queued messages and keepalive pings until send is
// closed.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			b, err := json.Marshal(msg)
			if err != nil {
				c.hub.logger.Error().Err(err).Str("type", msg.Type).Msg("encoding websocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
