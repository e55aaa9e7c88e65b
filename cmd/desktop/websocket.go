package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/backend/internal/sync"
	"github.com/kimhsiao/fieldsync/backend/internal/uuid"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isLocalOrigin,
}

// isLocalOrigin accepts only loopback hosts.
func isLocalOrigin(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives event. A client without
// subscriptions receives everything.
func (c *WSClient) wants(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[event]
}

// WSHub maintains active client connections and broadcasts sync events.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	unregister chan *WSClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool
}

type wsMessage struct {
	event   string
	payload []byte
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

const (
	EventQueueStats       = "queue.stats"
	EventNetworkStatus    = "network.status"
	EventSyncStarted      = "sync.started"
	EventSyncCompleted    = "sync.completed"
	EventSyncFailed       = "sync.failed"
	EventConflictDetected = "sync.conflict_detected"
)

// NewWSHub creates a new WebSocket hub and starts its loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, sendBuffer),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Close stops the hub and disconnects every client.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			h.closed = true
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.broadcast:
			var slow []*WSClient
			h.mu.RLock()
			for _, client := range h.clients {
				if !client.wants(msg.event) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				logging.Warn("Dropping slow WebSocket client", map[string]interface{}{"client": client.id})
				h.drop(client)
			}
		}
	}
}

// add registers client before its pumps start, so replies to its first
// message are never lost. It fails once the hub is closed.
func (h *WSHub) add(client *WSClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()
	logging.Debug("WebSocket client connected", map[string]interface{}{"client": client.id, "total": total})
	return true
}

func (h *WSHub) drop(client *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[client.id]
	if ok {
		delete(h.clients, client.id)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		logging.Debug("WebSocket client disconnected", map[string]interface{}{"client": client.id, "total": total})
	}
}

// Broadcast sends an event to all subscribed clients. It never blocks the
// caller; events are dropped when the hub is saturated or closed.
func (h *WSHub) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(WSEnvelope{
		Type:      event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Warn("Failed to marshal WebSocket event", map[string]interface{}{"event": event, "error": err.Error()})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- wsMessage{event: event, payload: payload}:
	default:
		logging.Warn("WebSocket broadcast buffer full", map[string]interface{}{"event": event})
	}
}

// BroadcastQueueStats publishes queue counts. Items are omitted; clients
// fetch them from /api/queue.
func (h *WSHub) BroadcastQueueStats(stats models.QueueStats) {
	h.Broadcast(EventQueueStats, map[string]interface{}{
		"total":     stats.Total,
		"pending":   stats.Pending,
		"syncing":   stats.Syncing,
		"failed":    stats.Failed,
		"conflicts": len(stats.Conflicts()),
	})
}

// BroadcastNetworkStatus publishes a connectivity transition.
func (h *WSHub) BroadcastNetworkStatus(state models.NetworkState) {
	h.Broadcast(EventNetworkStatus, state)
}

// BroadcastConflictDetected publishes a newly conflicted queue item.
func (h *WSHub) BroadcastConflictDetected(item models.QueueItem) {
	h.Broadcast(EventConflictDetected, map[string]interface{}{
		"queue_id":  item.ID,
		"type":      item.Type,
		"entity_id": item.EntityID,
		"conflict":  item.ConflictData,
	})
}

// BroadcastSyncStarted notifies clients that a manual sync has started.
func (h *WSHub) BroadcastSyncStarted() {
	h.Broadcast(EventSyncStarted, map[string]interface{}{"status": "started"})
}

// BroadcastSyncCompleted notifies clients that a manual sync finished.
func (h *WSHub) BroadcastSyncCompleted(result *syncpkg.DrainResult) {
	h.Broadcast(EventSyncCompleted, result)
}

// BroadcastSyncFailed notifies clients that a manual sync failed.
func (h *WSHub) BroadcastSyncFailed(code string, retryable bool) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error_code": code,
		"retryable":  retryable,
		"status":     "failed",
	})
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid WebSocket message", map[string]interface{}{"client": c.id, "error": err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct response. It goes through the hub lock so it never
// races with the hub closing send.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// HandleWebSocket upgrades the request and registers the client.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		if !hub.add(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
