package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cryptointel/market-intel-go/internal/state"
)

// Hub fans store change events out to every connected websocket
// client. It is the only component that holds client connections;
// handlers and services never talk to sockets directly.
type Hub struct {
	logger *logrus.Entry

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:     logger.WithField("component", "stream_hub"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run owns the client set. Must run in its own goroutine; exits when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("clients", total).Debug("Stream client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("clients", total).Debug("Stream client disconnected")

		case message := <-h.broadcast:
			// Snapshot under a short read lock so slow clients never
			// block register/unregister.
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			var slow []*client
			for _, c := range clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
				h.logger.WithField("dropped", len(slow)).Warn("Dropped slow stream clients")
			}
		}
	}
}

// Relay subscribes to the store's event channel and forwards every
// payload to connected clients verbatim. Runs until ctx is cancelled.
func (h *Hub) Relay(ctx context.Context, store *state.Store) {
	sub := store.Subscribe(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(json.RawMessage(msg.Payload))
		}
	}
}

// Broadcast serializes message and queues it for every client.
func (h *Hub) Broadcast(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to marshal broadcast message")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("Broadcast queue full; dropping message")
	}
}

// ClientCount reports the number of connected stream clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
