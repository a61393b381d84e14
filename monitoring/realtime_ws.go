package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType is the topic of a pushed message.
type MessageType string

const (
	AlertMessage   MessageType = "alert"
	AnomalyMessage MessageType = "anomaly"
	ModelMessage   MessageType = "model"
	Heartbeat      MessageType = "heartbeat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	heartbeatEvery = time.Minute
	maxMessageSize = 4096
)

// Message is the envelope pushed to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// ClientMessage is a subscribe or unsubscribe request.
type ClientMessage struct {
	Type  string      `json:"type"`
	Topic MessageType `json:"topic"`
}

// Publisher publishes messages to connected clients.
type Publisher interface {
	Publish(kind MessageType, data any) error
}

// Client is one WebSocket connection.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool
}

type envelope struct {
	kind    MessageType
	payload []byte
}

// AlertHub pushes alerts to WebSocket clients.
type AlertHub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	heartbeat time.Duration
}

// HeartbeatData is the payload of a Heartbeat message.
type HeartbeatData struct {
	Clients int `json:"clients"`
}

// NewAlertHub returns a hub. An empty allowedOrigins accepts any origin.
func NewAlertHub(allowedOrigins []string, logger *zap.Logger) *AlertHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowedOrigins) == 0 ||
					slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:    logger,
		heartbeat: heartbeatEvery,
	}
}

// Run runs the broadcast loop until ctx is done.
func (h *AlertHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		close(h.done)
		h.logger.Info("alert hub stopped")
	}()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("client", client.clientID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("client", client.clientID), zap.Int("total", total))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-ticker.C:
			msg, err := encodeMessage(Heartbeat, HeartbeatData{Clients: h.ClientCount()})
			if err != nil {
				h.logger.Warn("encode heartbeat failed", zap.Error(err))
				continue
			}
			h.deliver(envelope{kind: Heartbeat, payload: msg})

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *AlertHub) deliver(msg envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.subscribed(msg.kind) {
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			// slow consumer
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Done is closed after Run returns.
func (h *AlertHub) Done() <-chan struct{} {
	return h.done
}

// ClientCount returns the number of connected clients.
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *AlertHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 64),
		clientID:      uuid.NewString(),
		subscriptions: make(map[MessageType]bool),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

// Publish broadcasts a message, dropping it when the queue is full.
func (h *AlertHub) Publish(kind MessageType, data any) error {
	message, err := encodeMessage(kind, data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- envelope{kind: kind, payload: message}:
	default:
		h.logger.Warn("alert broadcast queue is full, dropping message", zap.String("type", string(kind)))
	}
	return nil
}

func encodeMessage(kind MessageType, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", kind, err)
	}
	message, err := json.Marshal(Message{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      payload,
		ID:        uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return message, nil
}

// subscribed reports whether c receives kind. Clients without subscriptions receive everything.
func (c *Client) subscribed(kind MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || kind == Heartbeat || c.subscriptions[kind]
}

func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write failed", zap.String("client", c.clientID), zap.Error(err))
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

func (c *Client) readPump(h *AlertHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("client", c.clientID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("bad client message", zap.String("client", c.clientID), zap.Error(err))
			continue
		}
		c.handleClientMessage(msg)
	}
}

// handleClientMessage applies a subscription request.
func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[msg.Topic] = true
	case "unsubscribe":
		delete(c.subscriptions, msg.Topic)
	}
}
