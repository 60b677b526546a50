package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/metricsstore"
	"github.com/taskqueue-go/core/internal/signalbus"
)

// Hub manages WebSocket clients and broadcasts signals
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan signalbus.Signal
	register   chan *Client
	unregister chan *Client
	bus        signalbus.Bus
	mu         sync.RWMutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewHub creates a new WebSocket hub fed by bus
func NewHub(bus signalbus.Bus) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan signalbus.Signal, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        bus,
		stopCh:     make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	signalCh, err := h.bus.Subscribe(ctx, allSignalTypes...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to subscribe to signal bus")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case s, ok := <-signalCh:
				if !ok {
					return
				}
				h.broadcast <- s
			}
		}
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				h.closeAllClients()
				return
			case <-h.stopCh:
				h.closeAllClients()
				return
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				h.mu.Unlock()
				metricsstore.SetWebSocketConnections(float64(h.ClientCount()))
				logger.Debug().Str("client_id", client.ID).Msg("client registered")

			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				h.mu.Unlock()
				metricsstore.SetWebSocketConnections(float64(h.ClientCount()))
				logger.Debug().Str("client_id", client.ID).Msg("client unregistered")

			case s := <-h.broadcast:
				h.broadcastSignal(s)
			}
		}
	}()

	logger.Info().Msg("WebSocket hub started")
}

// Stop stops the hub
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()
	logger.Info().Msg("WebSocket hub stopped")
}

// Register registers a client with the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister unregisters a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a signal to all connected clients
func (h *Hub) Broadcast(s signalbus.Signal) {
	select {
	case h.broadcast <- s:
	default:
		logger.Warn().Msg("broadcast channel full, dropping signal")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastSignal(s signalbus.Signal) {
	data, err := json.Marshal(s)
	if err != nil {
		logger.Error().Err(err).Msg("failed to serialize signal for broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.IsSubscribed(s.Type) {
			continue
		}

		select {
		case client.send <- data:
			metricsstore.RecordWebSocketMessage(string(s.Type))
		default:
			// Client buffer full, mark for removal
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
