package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Event is a change notification broadcast to subscribed clients. Payloads
// are reason-less: they say what record changed, never how; consumers
// refetch. Delivery is at-least-once; refetching is idempotent.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventOrderChanged is the only event type the order channel carries.
const EventOrderChanged = "order_changed"

// orderChangedPayload carries the id of the changed record.
type orderChangedPayload struct {
	OrderID int64 `json:"order_id"`
}

// companyEvent routes an event to one company's room.
type companyEvent struct {
	CompanyID uuid.UUID
	Event     Event
}

// Hub maintains the set of active clients per company and broadcasts
// change notifications to them.
type Hub struct {
	// Registered clients by company ID
	rooms map[uuid.UUID]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	broadcast chan *companyEvent

	mu sync.RWMutex
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *companyEvent, 256),
	}
}

// Run starts the hub's main loop.
// This should be called as a goroutine: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.companyID] == nil {
				h.rooms[client.companyID] = make(map[*Client]bool)
			}
			h.rooms[client.companyID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.rooms[client.companyID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)
					// Clean up empty rooms
					if len(clients) == 0 {
						delete(h.rooms, client.companyID)
					}
				}
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			clients := h.rooms[event.CompanyID]

			// Marshal event to JSON once
			message, err := json.Marshal(event.Event)
			if err != nil {
				h.mu.Unlock()
				continue
			}

			for client := range clients {
				select {
				case client.send <- message:
				default:
					// Client's send buffer is full, close and unregister
					close(client.send)
					delete(h.rooms[event.CompanyID], client)
					if len(h.rooms[event.CompanyID]) == 0 {
						delete(h.rooms, event.CompanyID)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastToCompany sends an event to all clients subscribed to a company.
func (h *Hub) BroadcastToCompany(companyID uuid.UUID, event Event) {
	h.broadcast <- &companyEvent{
		CompanyID: companyID,
		Event:     event,
	}
}

// OrderChanged notifies a company's room that an order changed. Callers
// invoke it after every successful mutation so other viewers can refetch.
func (h *Hub) OrderChanged(companyID uuid.UUID, orderID int64) {
	payload, err := json.Marshal(orderChangedPayload{OrderID: orderID})
	if err != nil {
		return
	}
	h.BroadcastToCompany(companyID, Event{Type: EventOrderChanged, Payload: payload})
}
