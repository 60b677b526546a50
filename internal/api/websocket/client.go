package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/signalbus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Send buffer size
	sendBufferSize = 256
)

// allSignalTypes lists every signal a client can subscribe to in one call.
var allSignalTypes = []signalbus.SignalType{
	signalbus.BeforeTaskPublish,
	signalbus.AfterTaskPublish,
	signalbus.TaskPreRun,
	signalbus.TaskPostRun,
	signalbus.TaskSuccess,
	signalbus.TaskFailure,
	signalbus.TaskRetry,
	signalbus.TaskRevoked,
	signalbus.TaskRejected,
	signalbus.ProgressUpdated,
	signalbus.SagaStepCompleted,
	signalbus.SagaCompensated,
}

// Client represents a WebSocket client connection
type Client struct {
	ID            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[signalbus.SignalType]bool
	subMu         sync.RWMutex
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:            uuid.New().String()[:8],
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[signalbus.SignalType]bool),
	}
}

// Subscribe subscribes the client to a signal type
func (c *Client) Subscribe(t signalbus.SignalType) {
	c.subMu.Lock()
	c.subscriptions[t] = true
	c.subMu.Unlock()
}

// Unsubscribe unsubscribes the client from a signal type
func (c *Client) Unsubscribe(t signalbus.SignalType) {
	c.subMu.Lock()
	delete(c.subscriptions, t)
	c.subMu.Unlock()
}

// SubscribeAll subscribes the client to every signal type the bus carries
func (c *Client) SubscribeAll() {
	c.subMu.Lock()
	for _, t := range allSignalTypes {
		c.subscriptions[t] = true
	}
	c.subMu.Unlock()
}

// IsSubscribed checks if the client is subscribed to a signal type
func (c *Client) IsSubscribed(t signalbus.SignalType) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	// If no subscriptions, receive all signals
	if len(c.subscriptions) == 0 {
		return true
	}

	return c.subscriptions[t]
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.ID).Msg("WebSocket read error")
			}
			break
		}

		// Handle client messages (e.g., subscription commands)
		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued messages to current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Action      string   `json:"action"`
	SignalTypes []string `json:"signal_types,omitempty"`
}

func (c *Client) handleMessage(message []byte) {
	// Parse message and handle subscription commands
	logger.Debug().
		Str("client_id", c.ID).
		Str("message", string(message)).
		Msg("received client message")

	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	for _, t := range msg.SignalTypes {
		switch msg.Action {
		case "subscribe":
			c.Subscribe(signalbus.SignalType(t))
		case "unsubscribe":
			c.Unsubscribe(signalbus.SignalType(t))
		}
	}
}
