package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kopa-agent/kopa/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func transition(id string, from, to escrow.State) escrow.StateTransition {
	return escrow.StateTransition{
		TransactionID: id,
		From:          from,
		To:            to,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TriggeredBy:   "coordinator",
	}
}

func event(typ EventType, rec escrow.StateTransition) *Event {
	return &Event{Type: typ, TransactionID: rec.TransactionID, Data: rec}
}

func TestClientWants(t *testing.T) {
	held := transition("txn-1", escrow.StateCreated, escrow.StateEscrowCreated)
	done := transition("txn-2", escrow.StateSettlementPending, escrow.StateCompleted)

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"all events", Subscription{AllEvents: true}, event(EventStateChanged, held), true},
		{"empty filter", Subscription{}, event(EventStateChanged, held), true},
		{"type match", Subscription{EventTypes: []EventType{EventClosed}}, event(EventClosed, done), true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventClosed}}, event(EventStateChanged, held), false},
		{"txn match", Subscription{TransactionIDs: []string{"txn-1"}}, event(EventStateChanged, held), true},
		{"txn mismatch", Subscription{TransactionIDs: []string{"txn-1"}}, event(EventStateChanged, done), false},
		{"state match", Subscription{States: []escrow.State{escrow.StateCompleted}}, event(EventStateChanged, done), true},
		{"state mismatch", Subscription{States: []escrow.State{escrow.StateCompleted}}, event(EventStateChanged, held), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{sub: tt.sub}
			assert.Equal(t, tt.want, c.wants(tt.event))
		})
	}
}

func TestHub_StatsInitial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_PublishTransition(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.PublishTransition(transition("txn-1", escrow.StateVerificationPending, escrow.StateRefunded))

	var got []Event
	for len(got) < 2 {
		select {
		case msg := <-client.send:
			var e Event
			require.NoError(t, json.Unmarshal(msg, &e))
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	assert.Equal(t, EventStateChanged, got[0].Type)
	assert.Equal(t, EventClosed, got[1].Type)
	assert.Equal(t, "txn-1", got[1].TransactionID)
	assert.Equal(t, escrow.StateRefunded, got[1].Data.To)
}

func TestHub_NonTerminalTransitionHasNoCloseEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{EventTypes: []EventType{EventClosed}}}
	h.register <- client

	h.PublishTransition(transition("txn-1", escrow.StateCreated, escrow.StateEscrowCreated))
	h.PublishTransition(transition("txn-1", escrow.StateEscrowCreated, escrow.StateFailed))

	select {
	case msg := <-client.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		assert.Equal(t, escrow.StateFailed, e.Data.To)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event")
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
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/v1/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketSubscription(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{TransactionIDs: []string{"txn-2"}}))
	time.Sleep(200 * time.Millisecond)

	h.PublishTransition(transition("txn-1", escrow.StateCreated, escrow.StateEscrowCreated))
	h.PublishTransition(transition("txn-2", escrow.StateCreated, escrow.StateEscrowCreated))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "txn-2", e.TransactionID)
	assert.Equal(t, EventStateChanged, e.Type)
}
