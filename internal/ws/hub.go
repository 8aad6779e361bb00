// Package ws streams orchestration events to websocket and SSE subscribers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/splax/releasectl/internal/domain"
)

// AllEnvironments subscribes to events of every environment.
const AllEnvironments = ""

const defaultBuffer = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans events out to subscribers keyed by environment ID. All map access
// happens on the run goroutine.
type Hub struct {
	log       *slog.Logger
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
}

type message struct {
	environmentID string
	payload       []byte
}

type subscription struct {
	environmentID string
	client        Subscriber
}

// NewHub creates a Hub that runs until ctx is cancelled. buffer bounds the
// number of queued events before new ones are dropped.
func NewHub(ctx context.Context, logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h := &Hub{
		log:       logger.With("component", "ws"),
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		done:      make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.environmentID]; !ok {
				h.clients[sub.environmentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.environmentID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.environmentID, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.environmentID, msg.payload)
			if msg.environmentID != AllEnvironments {
				h.deliver(AllEnvironments, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(environmentID string, payload []byte) {
	for c := range h.clients[environmentID] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.remove(environmentID, c)
		}
	}
}

func (h *Hub) remove(environmentID string, client Subscriber) {
	clients, ok := h.clients[environmentID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, environmentID)
	}
}

// Register adds a client to an environment stream.
func (h *Hub) Register(environmentID string, client Subscriber) {
	select {
	case h.register <- subscription{environmentID: environmentID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(environmentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{environmentID: environmentID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for the environment's subscribers. It never
// blocks; events are dropped when the queue is full.
func (h *Hub) Broadcast(environmentID string, payload []byte) {
	select {
	case h.broadcast <- message{environmentID: environmentID, payload: payload}:
	case <-h.done:
	default:
		h.log.Warn("event stream queue full; dropping event", "environment_id", environmentID)
	}
}

// HandleEvent publishes an orchestration event to its environment stream.
func (h *Hub) HandleEvent(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("encode event failed", "kind", event.Kind, "error", err)
		return
	}
	h.Broadcast(event.EnvironmentID, payload)
}
