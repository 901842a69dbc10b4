package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/invalidator"
	"github.com/gateway-fm/dexsync/internal/resolver"
	"github.com/gateway-fm/dexsync/internal/session"
	"github.com/gateway-fm/dexsync/internal/txqueue"
	"github.com/gateway-fm/dexsync/pkg/types"
)

const (
	writeTimeout     = 5 * time.Second
	broadcastBuffer  = 64
	maxSubscriptions = 64 // field subscriptions per connection
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow requests without Origin header (same-origin or direct)
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}

		// Allow localhost connections (common for development)
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// FieldWatcher serves field subscriptions of WebSocket clients.
type FieldWatcher interface {
	WatchField(req types.FieldRequest) (resolver.Result, <-chan freshness.Update, func(), error)
}

var (
	_ invalidator.Refetcher = (*Hub)(nil)
	_ txqueue.Observer      = (*Hub)(nil)
	_ FieldWatcher          = (*session.Session)(nil)
)

// client serializes writes to one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub pushes queue progress and refetch notices to WebSocket clients.
// It is registered as a refetcher of the invalidator, so UI clients learn
// which queries to reload once a write is mined. Clients may also watch
// individual fields and receive their value changes.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	srcMu    sync.RWMutex
	snapshot func() (txqueue.Snapshot, bool)
	watcher  FieldWatcher

	broadcast chan types.Event
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a new Hub. Call Start to begin broadcasting.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		now:       time.Now,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan types.Event, broadcastBuffer),
		done:      make(chan struct{}),
	}
}

// SetSnapshotFunc sets the source of the queue snapshot sent to clients
// on connect. fn reports false when there is no queue.
func (h *Hub) SetSnapshotFunc(fn func() (txqueue.Snapshot, bool)) {
	h.srcMu.Lock()
	h.snapshot = fn
	h.srcMu.Unlock()
}

// SetFieldWatcher enables field subscriptions. Without a watcher, watch
// messages are answered with an error event.
func (h *Hub) SetFieldWatcher(w FieldWatcher) {
	h.srcMu.Lock()
	h.watcher = w
	h.srcMu.Unlock()
}

// Handler returns the WebSocket HTTP handler.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		c := &client{conn: conn}

		h.clientsMu.Lock()
		h.clients[c] = struct{}{}
		total := len(h.clients)
		h.clientsMu.Unlock()

		h.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, c)
			total := len(h.clients)
			h.clientsMu.Unlock()
			conn.Close()

			h.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Registered first, so nothing published after the snapshot is missed.
		if err := h.sendSnapshot(c); err != nil {
			h.logger.Debug("Failed to send snapshot", slog.String("error", err.Error()))
			return
		}

		subs := &subscriptions{cancels: make(map[string]func())}
		defer subs.close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
			h.handleMessage(c, subs, data)
		}
	}
}

// subscriptions are the field watches of one connection. Only the
// connection's read loop touches cancels.
type subscriptions struct {
	cancels map[string]func()
	wg      sync.WaitGroup
}

func (s *subscriptions) close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	clear(s.cancels)
	s.wg.Wait()
}

func (h *Hub) handleMessage(c *client, subs *subscriptions, data []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "", "invalid message: "+err.Error())
		return
	}

	switch msg.Type {
	case types.MessageWatch:
		h.watch(c, subs, msg)
	case types.MessageUnwatch:
		cancel, ok := subs.cancels[msg.ID]
		if !ok {
			h.sendError(c, msg.ID, "unknown subscription")
			return
		}
		cancel()
		delete(subs.cancels, msg.ID)
	default:
		h.sendError(c, msg.ID, "unknown message type "+msg.Type)
	}
}

func (h *Hub) watch(c *client, subs *subscriptions, msg types.ClientMessage) {
	switch _, dup := subs.cancels[msg.ID]; {
	case msg.ID == "":
		h.sendError(c, "", "subscription id is required")
		return
	case dup:
		h.sendError(c, msg.ID, "subscription already exists")
		return
	case len(subs.cancels) >= maxSubscriptions:
		h.sendError(c, msg.ID, "too many subscriptions")
		return
	}

	h.srcMu.RLock()
	watcher := h.watcher
	h.srcMu.RUnlock()
	if watcher == nil {
		h.sendError(c, msg.ID, "field subscriptions are not available")
		return
	}

	res, updates, cancel, err := watcher.WatchField(msg.Field)
	if err != nil {
		h.sendError(c, msg.ID, err.Error())
		return
	}
	subs.cancels[msg.ID] = cancel

	// The current value goes out before the forwarder starts, so clients
	// see versions in order.
	h.sendTo(c, types.Event{
		Type:         types.EventField,
		Subscription: msg.ID,
		Payload:      types.FieldUpdate{Value: res.Value, Version: res.Version, Stale: res.Stale, At: res.FetchedAt},
		Timestamp:    h.now(),
	})

	subs.wg.Add(1)
	go func() {
		defer subs.wg.Done()
		for u := range updates {
			if u.Version <= res.Version {
				continue
			}
			h.sendTo(c, types.Event{
				Type:         types.EventField,
				Subscription: msg.ID,
				Payload:      types.FieldUpdate{Value: u.Value, Version: u.Version, At: u.At},
				Timestamp:    h.now(),
			})
		}
	}()
}

func (h *Hub) sendError(c *client, id, message string) {
	h.sendTo(c, types.Event{Type: types.EventError, Subscription: id, Payload: message, Timestamp: h.now()})
}

// sendTo writes ev to a single client.
func (h *Hub) sendTo(c *client, ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", slog.String("error", err.Error()))
		return
	}
	if err := c.write(data); err != nil {
		h.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
	}
}

func (h *Hub) sendSnapshot(c *client) error {
	ev := types.Event{Type: types.EventSnapshot, Timestamp: h.now()}

	h.srcMu.RLock()
	fn := h.snapshot
	h.srcMu.RUnlock()
	if fn != nil {
		if snap, ok := fn(); ok {
			ev.QueueID = snap.ID
			ev.Payload = snap
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Start begins the broadcasting goroutine.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop stops broadcasting and closes all client connections.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.clientsMu.Lock()
		for c := range h.clients {
			c.conn.Close()
		}
		clear(h.clients)
		h.clientsMu.Unlock()
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// publish queues ev for broadcast. Events are dropped when the buffer is
// full so the executor and invalidator never wait on slow clients.
func (h *Hub) publish(ev types.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("WebSocket broadcast buffer full, dropping event",
			slog.String("type", ev.Type),
			slog.String("queue_id", ev.QueueID),
		)
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.broadcast:
			h.broadcastEvent(ev)
		}
	}
}

// broadcastEvent sends ev to all connected clients.
func (h *Hub) broadcastEvent(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for c := range h.clients {
		if err := c.write(data); err != nil {
			// Cleaned up by the read loop
			h.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// Refetch tells clients to reload query q.
func (h *Hub) Refetch(ctx context.Context, q freshness.QueryID) error {
	h.publish(types.Event{Type: types.EventRefetch, Query: string(q), Timestamp: h.now()})
	return nil
}

// QueueStarted implements txqueue.Observer.
func (h *Hub) QueueStarted(snap txqueue.Snapshot) {
	h.publish(types.Event{Type: types.EventQueue, QueueID: snap.ID, Payload: snap, Timestamp: h.now()})
}

// StepChanged implements txqueue.Observer.
func (h *Hub) StepChanged(queueID string, step txqueue.StepSnapshot) {
	h.publish(types.Event{Type: types.EventStep, QueueID: queueID, Payload: step, Timestamp: h.now()})
}

// QueueFinished implements txqueue.Observer.
func (h *Hub) QueueFinished(snap txqueue.Snapshot) {
	h.publish(types.Event{Type: types.EventQueue, QueueID: snap.ID, Payload: snap, Timestamp: h.now()})
}
