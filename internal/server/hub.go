package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// Hub fans snapshot messages out to websocket clients. Slow clients that
// fill their buffer are dropped.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	log        zerolog.Logger
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 1),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        observ.Logger("ws_hub"),
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			observ.SetGauge("ws_clients", 0, nil)
			return

		case c := <-h.register:
			h.clients[c] = true
			observ.SetGauge("ws_clients", float64(len(h.clients)), nil)
			h.log.Debug().Int("clients", len(h.clients)).Msg("Client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				observ.SetGauge("ws_clients", float64(len(h.clients)), nil)
				h.log.Debug().Int("clients", len(h.clients)).Msg("Client disconnected")
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
					observ.IncCounter("ws_clients_dropped_total", nil)
				}
			}
		}
	}
}

// Broadcast queues msg for every client. When a broadcast is already
// pending the older message is replaced, since only the latest snapshot
// matters.
func (h *Hub) Broadcast(msg []byte) {
	for {
		select {
		case h.broadcast <- msg:
			return
		default:
		}
		select {
		case <-h.broadcast:
		default:
		}
	}
}

// attach registers conn and starts its pumps. first is sent before any
// broadcast.
func (h *Hub) attach(ctx context.Context, conn *websocket.Conn, first []byte) {
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if first != nil {
		c.send <- first
	}
	select {
	case h.register <- c:
	case <-ctx.Done():
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(ctx)
}

// readPump only handles control frames; clients do not send data.
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
