package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockClient creates a client for testing without a real WebSocket connection
func mockClient(hub *Hub, companyID uuid.UUID) *Client {
	return &Client{
		hub:       hub,
		companyID: companyID,
		send:      make(chan []byte, 256),
	}
}

func TestHubRegistration(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	companyID := uuid.New()
	client := mockClient(hub, companyID)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if hub.rooms[companyID] == nil {
		t.Fatal("company room not created")
	}
	if !hub.rooms[companyID][client] {
		t.Fatal("client not registered in company room")
	}
}

func TestHubUnregistration(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	companyID := uuid.New()
	client := mockClient(hub, companyID)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	// Room should be cleaned up when empty
	if hub.rooms[companyID] != nil {
		t.Fatal("company room not cleaned up after last client unregistered")
	}
}

func TestOrderChangedReachesOnlyItsCompany(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	company1 := uuid.New()
	company2 := uuid.New()

	client1 := mockClient(hub, company1)
	client2 := mockClient(hub, company2)

	hub.register <- client1
	hub.register <- client2
	time.Sleep(10 * time.Millisecond)

	hub.OrderChanged(company1, 42)

	select {
	case msg := <-client1.send:
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		if received.Type != EventOrderChanged {
			t.Errorf("expected type %q, got %q", EventOrderChanged, received.Type)
		}
		var payload orderChangedPayload
		if err := json.Unmarshal(received.Payload, &payload); err != nil {
			t.Fatalf("failed to unmarshal payload: %v", err)
		}
		if payload.OrderID != 42 {
			t.Errorf("order_id = %d, want 42", payload.OrderID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("client1 did not receive message")
	}

	select {
	case <-client2.send:
		t.Fatal("client2 should not have received message for a different company")
	case <-time.After(50 * time.Millisecond):
		// Expected - no message received
	}
}

func TestBroadcastToMultipleClientsInSameCompany(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	companyID := uuid.New()
	client1 := mockClient(hub, companyID)
	client2 := mockClient(hub, companyID)
	client3 := mockClient(hub, companyID)

	hub.register <- client1
	hub.register <- client2
	hub.register <- client3
	time.Sleep(10 * time.Millisecond)

	hub.OrderChanged(companyID, 7)

	clients := []*Client{client1, client2, client3}
	for i, client := range clients {
		select {
		case msg := <-client.send:
			var received Event
			if err := json.Unmarshal(msg, &received); err != nil {
				t.Fatalf("client%d: failed to unmarshal: %v", i+1, err)
			}
			if received.Type != EventOrderChanged {
				t.Errorf("client%d: expected type %q, got %q", i+1, EventOrderChanged, received.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("client%d did not receive message", i+1)
		}
	}
}

// The event payload never carries field values or a change reason; clients
// refetch the record instead of trusting a stale payload.
func TestEventPayloadIsReasonless(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	companyID := uuid.New()
	client := mockClient(hub, companyID)
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.OrderChanged(companyID, 99)

	select {
	case msg := <-client.send:
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(received.Payload, &fields); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if len(fields) != 1 {
			t.Errorf("payload = %v, want only order_id", fields)
		}
		if _, ok := fields["order_id"]; !ok {
			t.Error("payload missing order_id")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no message received")
	}
}

func TestHubCleanupEmptyRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	companyID := uuid.New()
	client1 := mockClient(hub, companyID)
	client2 := mockClient(hub, companyID)

	hub.register <- client1
	hub.register <- client2
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if len(hub.rooms[companyID]) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(hub.rooms[companyID]))
	}
	hub.mu.RUnlock()

	hub.unregister <- client1
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if len(hub.rooms[companyID]) != 1 {
		t.Fatalf("expected 1 client after first unregister, got %d", len(hub.rooms[companyID]))
	}
	hub.mu.RUnlock()

	hub.unregister <- client2
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if hub.rooms[companyID] != nil {
		t.Fatal("room should be deleted when last client unregisters")
	}
	hub.mu.RUnlock()
}

func TestBroadcastToUnknownCompanyIsNoOp(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	company1 := uuid.New()
	client1 := mockClient(hub, company1)
	hub.register <- client1
	time.Sleep(10 * time.Millisecond)

	hub.OrderChanged(uuid.New(), 1)

	select {
	case <-client1.send:
		t.Fatal("client should not receive message for a different company")
	case <-time.After(50 * time.Millisecond):
		// Expected - no message
	}
}
