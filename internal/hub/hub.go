// Package hub fans machine events out to UI consumers: in-process
// subscriber channels and WebSocket clients. Delivery is non-blocking
// everywhere; a consumer that cannot keep up loses events, never slows the
// machine. Latency over completeness.
package hub

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

// Event types carried to the UI.
const (
	TypeState            = "state"
	TypeSettingsUpdate   = "settingsUpdate"
	TypeWarning          = "warning"
	TypeError            = "error"
	TypeAnalysisImage    = "analysis_image"
	TypeAnalysisResults  = "analysis_results"
	TypeEjectionDecision = "ejection_decision"
	TypeLog              = "log"
)

// Event is one UI notification. Data must marshal to JSON.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var (
	// ErrSubscriberExists is returned for a duplicate Subscribe id.
	ErrSubscriberExists = errors.New("hub: subscriber id already exists")

	// ErrSubscriberNotFound is returned for an unknown Unsubscribe id.
	ErrSubscriberNotFound = errors.New("hub: subscriber id not found")
)

// Stats is a delivery counter snapshot.
type Stats struct {
	Published uint64
	Dropped   uint64
	Clients   int
}

// Hub distributes events. The zero value is not usable; call New.
type Hub struct {
	logger *log.Logger

	mu      sync.RWMutex
	subs    map[string]chan<- Event
	clients map[*client]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty Hub.
func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:  logger,
		subs:    make(map[string]chan<- Event),
		clients: make(map[*client]struct{}),
	}
}

// Subscribe registers an in-process channel. Events are dropped for it when
// it is full.
func (h *Hub) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return errors.New("hub: subscriber channel cannot be nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subs[id]; exists {
		return ErrSubscriberExists
	}
	h.subs[id] = ch
	return nil
}

// Unsubscribe removes a subscriber. The channel is not closed.
func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subs[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(h.subs, id)
	return nil
}

// Publish delivers one event to every subscriber and WebSocket client.
// Never blocks.
func (h *Hub) Publish(e Event) {
	h.published.Add(1)

	var payload []byte
	var marshalErr error

	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	if len(h.clients) > 0 {
		payload, marshalErr = json.Marshal(e)
	}
	var stale []*client
	if marshalErr == nil {
		for c := range h.clients {
			select {
			case c.send <- payload:
			default:
				// Slow client: disconnect rather than queue.
				stale = append(stale, c)
			}
		}
	}
	h.mu.RUnlock()

	if marshalErr != nil {
		h.logger.Printf("hub: marshal %s event: %v", e.Type, marshalErr)
		return
	}
	for _, c := range stale {
		h.logger.Printf("hub: dropping slow websocket client %s", c.conn.RemoteAddr())
		h.removeClient(c)
	}
}

// Stats returns the delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
		Clients:   len(h.clients),
	}
}

// Clients returns the current WebSocket client count.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}
