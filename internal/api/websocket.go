package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/smartip-core/internal/auth"
	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
	"github.com/nerrad567/smartip-core/internal/infrastructure/config"
	"github.com/nerrad567/smartip-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// EventDeviceState is the event type of every coordinator update.
	EventDeviceState = "device.state"

	// WSAllDevices subscribes a client to every device.
	WSAllDevices = "*"

	wsSendBufferSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// WSMessage is a message sent to or from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe messages.
// Devices holds device ids or "*".
type WSSubscribePayload struct {
	Devices []string `json:"devices"`
}

// Hub fans coordinator updates out to WebSocket clients. Each client
// chooses the devices it wants.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu       sync.RWMutex
	clients  map[*WSClient]struct{}
	registry *smartip.Registry

	runMu     sync.Mutex
	done      chan struct{}
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	role    auth.Role
	mu      sync.RWMutex
	devices map[string]struct{}
}


// NewHub creates a hub. It receives nothing until Attach.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Attach subscribes the hub to every current and future coordinator in
// registry. The hub closes when ctx ends.
func (h *Hub) Attach(ctx context.Context, registry *smartip.Registry) {
	h.mu.Lock()
	h.registry = registry
	h.mu.Unlock()

	registry.OnAdd(h.watch)
	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-h.done:
		}
	}()
}

func (h *Hub) watch(c *smartip.Coordinator) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.closed {
		return
	}

	sub := c.Subscribe()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-h.done:
				return
			case u, open := <-sub.Updates():
				if !open {
					return
				}
				h.Broadcast(u)
			}
		}
	}()
}

// Close stops every device watcher and disconnects all clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.runMu.Lock()
		h.closed = true
		close(h.done)
		h.runMu.Unlock()

		h.wg.Wait()
		h.closeAll()
	})
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "user_id", client.userID)
}

// Unregister removes a client. Only the call that removes the client
// closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends u to every client subscribed to its device.
func (h *Hub) Broadcast(u smartip.Update) {
	data, err := json.Marshal(newStateEvent(u))
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "device_id", u.DeviceID, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.isSubscribed(u.DeviceID) {
			client.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// current returns the present state of id as an update, for clients that
// have just subscribed.
func (h *Hub) current(id string) (smartip.Update, bool) {
	h.mu.RLock()
	registry := h.registry
	h.mu.RUnlock()
	if registry == nil {
		return smartip.Update{}, false
	}
	c, err := registry.Get(id)
	if err != nil {
		return smartip.Update{}, false
	}
	snap, ok := c.Snapshot()
	return smartip.Update{
		DeviceID:    id,
		State:       c.State(),
		Snapshot:    snap,
		HasSnapshot: ok,
		Reason:      smartip.ReasonTransition,
		At:          time.Now(),
	}, true
}

func newStateEvent(u smartip.Update) WSMessage {
	return WSMessage{
		Type:      WSTypeEvent,
		EventType: EventDeviceState,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   smartip.NewStateMessage(u),
	}
}

// handleWebSocket upgrades the connection. With JWT enabled a ticket from
// POST /api/v1/ws-ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	entry := ticketEntry{role: auth.RoleAdmin}
	if s.secCfg.JWT.Enabled {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		var ok bool
		entry, ok = s.tickets.consume(ticket)
		if !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}
	if !auth.HasPermission(entry.role, auth.PermDeviceRead) {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "requires "+string(auth.PermDeviceRead))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, wsSendBufferSize),
		userID:  entry.userID,
		role:    entry.role,
		devices: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) timings() (ping, pong time.Duration) {
	ping = time.Duration(h.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong = time.Duration(h.cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	return ping, pong
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if c.hub.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	}
	ping, pong := c.hub.timings()
	c.conn.SetReadDeadline(time.Now().Add(ping + pong)) //nolint:errcheck // best effort
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ping + pong))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(ping + pong)) //nolint:errcheck // best effort
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ping, pong := c.hub.timings()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // best effort
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // write error caught below
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // ping error caught below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg.ID, msg.Payload.Devices)
	case WSTypeUnsubscribe:
		c.unsubscribe(msg.ID, msg.Payload.Devices)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// subscribe adds devices and replays each one's current state.
func (c *WSClient) subscribe(id string, devices []string) {
	if len(devices) == 0 {
		c.sendError(id, "devices is required")
		return
	}

	c.mu.Lock()
	for _, d := range devices {
		c.devices[d] = struct{}{}
	}
	c.mu.Unlock()

	c.sendResponse(id, WSTypeResponse, map[string]any{"subscribed": devices})

	replay := devices
	if c.isSubscribed(WSAllDevices) {
		replay = nil
		c.hub.mu.RLock()
		registry := c.hub.registry
		c.hub.mu.RUnlock()
		if registry != nil {
			for _, coord := range registry.List() {
				replay = append(replay, coord.ID())
			}
		}
	}
	for _, d := range replay {
		if u, ok := c.hub.current(d); ok {
			if data, err := json.Marshal(newStateEvent(u)); err == nil {
				c.trySend(data)
			}
		}
	}
}

func (c *WSClient) unsubscribe(id string, devices []string) {
	c.mu.Lock()
	for _, d := range devices {
		delete(c.devices, d)
	}
	c.mu.Unlock()

	c.sendResponse(id, WSTypeResponse, map[string]any{"unsubscribed": devices})
}

// trySend queues data, dropping it when the client is slow or gone.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a channel closed by Unregister
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) isSubscribed(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.devices[WSAllDevices]; ok {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
