package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/rollupcore/pkg/entities"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub maintains active WebSocket connections and fans engine events out to
// them. Clients subscribe by user id; privileged connections receive every
// event regardless of subscription. Hub implements batch.Broadcaster.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		}
	}
}

// broadcastToUsers sends a message to every client subscribed to any of
// the named users, and to every privileged client.
func (h *Hub) broadcastToUsers(data any, users ...string) {
	message, err := json.Marshal(data)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wantsAny(users) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Buffer full, skip this client
		}
	}
}

// FillEvent pushes a fill to both counterparties' subscribers.
func (h *Hub) FillEvent(symbol, takerUser, makerUser string, price, qty uint64, ts int64) {
	h.broadcastToUsers(FillUpdate{
		Type:      "fill",
		Symbol:    symbol,
		TakerUser: takerUser,
		MakerUser: makerUser,
		Price:     price,
		Qty:       qty,
		Timestamp: ts,
	}, takerUser, makerUser)
}

// LiquidationNotice pushes a liquidation event to privileged clients.
func (h *Hub) LiquidationNotice(symbol string, positionIndex uint64, leftoverValue int64, ts int64) {
	h.broadcastToUsers(LiquidationUpdate{
		Type:          "liquidation",
		Symbol:        symbol,
		PositionIndex: positionIndex,
		LeftoverValue: leftoverValue,
		Timestamp:     ts,
	})
}

// PositionUpdate pushes a position's post-mutation state to its owner's
// subscribers.
func (h *Hub) PositionUpdate(user string, position *entities.Position, ts int64) {
	h.broadcastToUsers(PositionPush{
		Type:      "position",
		User:      user,
		Position:  position,
		Timestamp: ts,
	}, user)
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// users this client subscribed to; privileged clients see everything.
	subscriptions map[string]bool
	privileged    bool
	subsMu        sync.RWMutex
}

// wantsAny reports whether the client should receive an event addressed to
// any of users. Events with no addressee (liquidations) go to privileged
// clients only.
func (c *Client) wantsAny(users []string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	if c.privileged {
		return true
	}
	for _, u := range users {
		if c.subscriptions[u] {
			return true
		}
	}
	return false
}

// Subscribe adds a user-id subscription.
func (c *Client) Subscribe(user string) {
	c.subsMu.Lock()
	c.subscriptions[user] = true
	c.subsMu.Unlock()
}

// Unsubscribe removes a user-id subscription.
func (c *Client) Unsubscribe(user string) {
	c.subsMu.Lock()
	delete(c.subscriptions, user)
	c.subsMu.Unlock()
}

// readPump pumps subscription messages from the connection to the hub.
func (c *Client) readPump(privilegedKeys map[string]bool) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, user := range req.Users {
				c.Subscribe(user)
			}
		case "unsubscribe":
			for _, user := range req.Users {
				c.Unsubscribe(user)
			}
		case "privileged":
			if privilegedKeys[req.Key] {
				c.subsMu.Lock()
				c.privileged = true
				c.subsMu.Unlock()
			}
		}
	}
}

// writePump pumps messages from the hub to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to current write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump(s.privilegedKeys)
}
