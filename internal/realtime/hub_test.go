package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/offersync/internal/account"
	"github.com/mbd888/offersync/internal/engine"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000A11CE")

func testHub() *Hub {
	return NewHub(slog.Default())
}

func eventFor(kind string, addr *common.Address) *engine.Event {
	ev := &engine.Event{Type: kind, Timestamp: time.Now()}
	if addr != nil {
		ev.State.Account = &account.Account{Address: *addr, Balance: "1"}
	}
	return ev
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, eventFor(engine.EventCatalog, nil)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{engine.EventSubmitted, engine.EventConfirmed},
	}}

	if !h.shouldSend(client, eventFor(engine.EventSubmitted, nil)) {
		t.Error("Should receive submitted events")
	}
	if !h.shouldSend(client, eventFor(engine.EventConfirmed, nil)) {
		t.Error("Should receive confirmed events")
	}
	if h.shouldSend(client, eventFor(engine.EventCatalog, nil)) {
		t.Error("Should NOT receive catalog events")
	}
}

func TestShouldSend_AccountFilter(t *testing.T) {
	h := testHub()
	bob := common.HexToAddress("0x0000000000000000000000000000000000000B0B")

	// Filter is case-insensitive on the hex address.
	client := &Client{sub: Subscription{Account: "0x00000000000000000000000000000000000a11ce"}}

	if !h.shouldSend(client, eventFor(engine.EventAccount, &alice)) {
		t.Error("Should match the active account")
	}
	if h.shouldSend(client, eventFor(engine.EventAccount, &bob)) {
		t.Error("Should NOT match another account")
	}
	if h.shouldSend(client, eventFor(engine.EventRegistry, nil)) {
		t.Error("Should NOT match when no account is active")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, eventFor(engine.EventIntent, nil)) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(eventFor(engine.EventCatalog, nil))
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(*eventFor(engine.EventAccount, &alice))

	select {
	case msg := <-client.send:
		var got engine.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != engine.EventAccount {
			t.Errorf("Expected account event, got %q", got.Type)
		}
		if got.State.Account == nil || got.State.Account.Address != alice {
			t.Errorf("Expected alice in state, got %+v", got.State.Account)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for publish")
	}
}

func TestHub_LateJoinerReceivesLastEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(*eventFor(engine.EventRegistry, nil))
	h.Publish(*eventFor(engine.EventCatalog, nil))
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client

	select {
	case msg := <-client.send:
		var got engine.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != engine.EventCatalog {
			t.Errorf("Expected the latest event, got %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Error("Late joiner did not receive the latest state")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants confirmations
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{engine.EventConfirmed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(eventFor(engine.EventCatalog, nil))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive catalog event")
	default:
		// Good - filtered out
	}

	h.Broadcast(eventFor(engine.EventConfirmed, nil))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive confirmed event")
	}
}
