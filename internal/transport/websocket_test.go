package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/resolver"
	"github.com/gateway-fm/dexsync/internal/txqueue"
	"github.com/gateway-fm/dexsync/pkg/types"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal %s: %v", data, err)
	}
	return ev
}

func TestHubSendsSnapshotOnConnect(t *testing.T) {
	hub := NewHub(nil)
	hub.SetSnapshotFunc(func() (txqueue.Snapshot, bool) {
		return txqueue.Snapshot{ID: "q-1", State: txqueue.StateRunning}, true
	})
	hub.Start()
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub)
	ev := readEvent(t, conn)
	if ev.Type != types.EventSnapshot || ev.QueueID != "q-1" {
		t.Errorf("event = %+v, want snapshot of q-1", ev)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}
}

func TestHubBroadcastsQueueAndRefetchEvents(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub)
	if ev := readEvent(t, conn); ev.Type != types.EventSnapshot || ev.Payload != nil {
		t.Fatalf("first event = %+v, want empty snapshot", ev)
	}

	hub.QueueStarted(txqueue.Snapshot{ID: "q-2"})
	hub.StepChanged("q-2", txqueue.StepSnapshot{Index: 0, Status: txqueue.StepSubmitted, TxHash: "0xabc"})
	if err := hub.Refetch(context.Background(), "balances"); err != nil {
		t.Fatalf("Refetch: %v", err)
	}

	if ev := readEvent(t, conn); ev.Type != types.EventQueue || ev.QueueID != "q-2" {
		t.Errorf("event 1 = %+v, want queue q-2", ev)
	}
	ev := readEvent(t, conn)
	if ev.Type != types.EventStep || ev.QueueID != "q-2" {
		t.Errorf("event 2 = %+v, want step of q-2", ev)
	}
	if payload, _ := ev.Payload.(map[string]any); payload["status"] != "submitted" || payload["txHash"] != "0xabc" {
		t.Errorf("step payload = %v", ev.Payload)
	}
	if ev := readEvent(t, conn); ev.Type != types.EventRefetch || ev.Query != "balances" {
		t.Errorf("event 3 = %+v, want refetch of balances", ev)
	}
}

func TestHubStopIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	hub.Stop()
	hub.Stop()

	// Publishing after Stop must not block.
	hub.QueueFinished(txqueue.Snapshot{ID: "q-3"})
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after Stop", hub.ClientCount())
	}
}

type fakeWatcher struct {
	updates   chan freshness.Update
	cancelled chan struct{}
	once      sync.Once

	mu  sync.Mutex
	got types.FieldRequest
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{updates: make(chan freshness.Update, 4), cancelled: make(chan struct{})}
}

func (f *fakeWatcher) WatchField(req types.FieldRequest) (resolver.Result, <-chan freshness.Update, func(), error) {
	if req.Field != "balanceOf" {
		return resolver.Result{}, nil, nil, errors.New("resolver: unknown field")
	}
	f.mu.Lock()
	f.got = req
	f.mu.Unlock()
	cancel := func() {
		f.once.Do(func() {
			close(f.updates)
			close(f.cancelled)
		})
	}
	return resolver.Result{Field: req.Field, Value: "0", Version: 1, Stale: true}, f.updates, cancel, nil
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func TestHubFieldSubscription(t *testing.T) {
	hub := NewHub(nil)
	watcher := newFakeWatcher()
	hub.SetFieldWatcher(watcher)
	hub.Start()
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub)
	readEvent(t, conn) // snapshot

	field := types.FieldRequest{Contract: tokenHex, Field: "balanceOf", Account: ownerHex}
	sendMessage(t, conn, types.ClientMessage{Type: types.MessageWatch, ID: "bal", Field: field})

	ev := readEvent(t, conn)
	payload, _ := ev.Payload.(map[string]any)
	if ev.Type != types.EventField || ev.Subscription != "bal" || payload["value"] != "0" || payload["stale"] != true {
		t.Fatalf("initial event = %+v", ev)
	}
	watcher.mu.Lock()
	got := watcher.got
	watcher.mu.Unlock()
	if got.Contract != field.Contract || got.Field != field.Field || got.Account != field.Account {
		t.Errorf("watched %+v, want %+v", got, field)
	}

	// Versions already reported are not repeated.
	watcher.updates <- freshness.Update{Value: "0", Version: 1}
	watcher.updates <- freshness.Update{Value: "100", Version: 2}
	ev = readEvent(t, conn)
	payload, _ = ev.Payload.(map[string]any)
	if ev.Type != types.EventField || payload["value"] != "100" || payload["version"] != float64(2) {
		t.Errorf("update event = %+v", ev)
	}

	sendMessage(t, conn, types.ClientMessage{Type: types.MessageWatch, ID: "bal", Field: field})
	if ev := readEvent(t, conn); ev.Type != types.EventError || ev.Subscription != "bal" {
		t.Errorf("duplicate watch = %+v, want error", ev)
	}

	sendMessage(t, conn, types.ClientMessage{Type: types.MessageUnwatch, ID: "bal"})
	select {
	case <-watcher.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("unwatch did not cancel the subscription")
	}

	sendMessage(t, conn, types.ClientMessage{Type: types.MessageUnwatch, ID: "bal"})
	if ev := readEvent(t, conn); ev.Type != types.EventError || ev.Payload != "unknown subscription" {
		t.Errorf("second unwatch = %+v, want error", ev)
	}
}

func TestHubRejectsBadMessages(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub)
	readEvent(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != types.EventError {
		t.Errorf("malformed message = %+v, want error", ev)
	}

	sendMessage(t, conn, types.ClientMessage{Type: types.MessageWatch, ID: "x", Field: types.FieldRequest{Field: "balanceOf"}})
	if ev := readEvent(t, conn); ev.Type != types.EventError || ev.Payload != "field subscriptions are not available" {
		t.Errorf("watch without watcher = %+v", ev)
	}

	hub.SetFieldWatcher(newFakeWatcher())
	sendMessage(t, conn, types.ClientMessage{Type: types.MessageWatch, ID: "x", Field: types.FieldRequest{Field: "reserves"}})
	if ev := readEvent(t, conn); ev.Type != types.EventError || ev.Subscription != "x" {
		t.Errorf("unknown field = %+v, want error", ev)
	}

	sendMessage(t, conn, types.ClientMessage{Type: "swap", ID: "y"})
	if ev := readEvent(t, conn); ev.Type != types.EventError {
		t.Errorf("unknown type = %+v, want error", ev)
	}
}

func TestHubClosesSubscriptionsOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	watcher := newFakeWatcher()
	hub.SetFieldWatcher(watcher)
	hub.Start()
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub)
	readEvent(t, conn) // snapshot
	sendMessage(t, conn, types.ClientMessage{Type: types.MessageWatch, ID: "bal", Field: types.FieldRequest{Field: "balanceOf"}})
	readEvent(t, conn)

	conn.Close()
	select {
	case <-watcher.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not cancel the subscription")
	}
}
