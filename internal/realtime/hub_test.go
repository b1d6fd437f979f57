package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pramp/internal/order"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func orderEvent(typ order.EventType, user string, kind order.Kind, tokens string) *order.Event {
	return &order.Event{
		Type: typ,
		Order: &order.Order{
			ID:          "ord_1",
			Kind:        kind,
			UserAddr:    user,
			TokenAmount: decimal.RequireFromString(tokens),
			Status:      order.StatusPending,
		},
		Actor:     "user",
		Timestamp: time.Now(),
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := orderEvent(order.EventCreated, "0xa", order.KindSell, "1")
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []order.EventType{order.EventCompleted, order.EventCancelled},
	}}

	if !h.shouldSend(client, orderEvent(order.EventCompleted, "0xa", order.KindSell, "1")) {
		t.Error("Should receive completed events")
	}
	if !h.shouldSend(client, orderEvent(order.EventCancelled, "0xa", order.KindSell, "1")) {
		t.Error("Should receive cancelled events")
	}
	if h.shouldSend(client, orderEvent(order.EventCreated, "0xa", order.KindSell, "1")) {
		t.Error("Should NOT receive created events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{UserAddrs: []string{"0xAbC"}}}

	if !h.shouldSend(client, orderEvent(order.EventCreated, "0xabc", order.KindSell, "1")) {
		t.Error("Should match user case-insensitively")
	}
	if h.shouldSend(client, orderEvent(order.EventCreated, "0xdef", order.KindSell, "1")) {
		t.Error("Should NOT match other users")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{Kinds: []string{order.KindSell.String()}}}

	if !h.shouldSend(client, orderEvent(order.EventCreated, "0xa", order.KindSell, "1")) {
		t.Error("Should receive SELL orders")
	}
	if h.shouldSend(client, orderEvent(order.EventCreated, "0xa", order.KindBuyUPI, "1")) {
		t.Error("Should NOT receive BUY orders")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{MinTokenAmount: decimal.RequireFromString("100")}}

	if !h.shouldSend(client, orderEvent(order.EventCreated, "0xa", order.KindSell, "150")) {
		t.Error("Should receive orders above minimum")
	}
	if !h.shouldSend(client, orderEvent(order.EventCreated, "0xa", order.KindSell, "100")) {
		t.Error("Should receive orders at minimum")
	}
	if h.shouldSend(client, orderEvent(order.EventCreated, "0xa", order.KindSell, "99.99")) {
		t.Error("Should NOT receive orders below minimum")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, orderEvent(order.EventApproved, "0xa", order.KindBuyCDM, "1")) {
		t.Error("Empty subscription should receive all events")
	}
}

func TestShouldSend_NoOrder(t *testing.T) {
	h := testHub()
	event := &order.Event{Type: order.EventCreated}

	if !h.shouldSend(&Client{sub: Subscription{}}, event) {
		t.Error("Unfiltered client should receive events without an order")
	}
	if h.shouldSend(&Client{sub: Subscription{UserAddrs: []string{"0xa"}}}, event) {
		t.Error("User-filtered client should NOT receive events without an order")
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

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	if err := h.Publish(ctx, *orderEvent(order.EventCreated, "0xa", order.KindSell, "1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for h.Stats()["totalEvents"].(int64) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 total event, got %v", h.Stats()["totalEvents"])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_PublishBufferFull(t *testing.T) {
	h := testHub() // Run not started: nothing drains the queue
	ev := *orderEvent(order.EventCreated, "0xa", order.KindSell, "1")

	for i := 0; i < cap(h.broadcast); i++ {
		if err := h.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if err := h.Publish(context.Background(), ev); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Expected ErrBufferFull, got %v", err)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	// Channels are unbuffered: a no-op unregister of an unknown client
	// returns only after Run finished the previous registration.
	settle := func() { h.unregister <- &Client{hub: h} }

	h.register <- client
	h.register <- &Client{hub: h, send: make(chan []byte, 1)}
	settle()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 2 {
		t.Errorf("Expected 2 connected clients, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	settle()

	stats = h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 2 {
		t.Errorf("Expected peak still 2, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	// Client only wants completions
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []order.EventType{order.EventCompleted}},
	}
	h.register <- client

	_ = h.Publish(ctx, *orderEvent(order.EventCreated, "0xa", order.KindSell, "1"))
	_ = h.Publish(ctx, *orderEvent(order.EventCompleted, "0xa", order.KindSell, "1"))

	select {
	case msg := <-client.send:
		var got order.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.Type != order.EventCompleted {
			t.Errorf("Expected completed event first, got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Client should receive completed event")
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

	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(Subscription{UserAddrs: []string{"0xbob"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// Keep publishing until the subscription update has been applied and
	// only bob's event comes back.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := make(chan order.Event, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev order.Event
			if json.Unmarshal(msg, &ev) == nil && ev.Order != nil && ev.Order.UserAddr == "0xbob" {
				received <- ev
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-received:
			if ev.Type != order.EventApproved {
				t.Errorf("Expected approved event, got %s", ev.Type)
			}
			return
		case <-ticker.C:
			_ = h.Publish(ctx, *orderEvent(order.EventApproved, "0xbob", order.KindBuyUPI, "5"))
		case <-timeout:
			t.Fatal("Timed out waiting for filtered event")
		}
	}
}
