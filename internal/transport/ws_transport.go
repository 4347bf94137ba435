package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1 << 20 // envelopes can carry arbitrary payload data, unlike the teacher's 1KB ticker feed
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is a single device's WebSocket connection. It implements
// Transport so the router can Send to it directly once registered in the
// route table. Adapted from the teacher's pkg/websocket.Client: same
// read/write pump split and ping/pong keepalive, with the odin-specific
// fast-path ping/heartbeat/batched-write handling dropped since envelopes
// carry their own ack/QoS framing instead of a bespoke client protocol.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	id     string
	hub    *WSHub
	logger zerolog.Logger

	closeOnce sync.Once
}

// Send enqueues payload for delivery, matching the non-blocking
// drop-when-full behavior the teacher's Client.send channel relies on: a
// slow consumer should not be able to stall the router's drain loop.
func (c *WSClient) Send(ctx context.Context, payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("websocket send buffer full for device %s", c.id)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump(onMessage func(deviceID string, payload []byte)) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Str("device_id", c.id).Msg("websocket read error")
			}
			return
		}
		if onMessage != nil {
			onMessage(c.id, message)
		}
	}
}

// Close shuts down the client's send loop exactly once.
func (c *WSClient) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// WSHub tracks every connected device's WebSocket transport. It does not
// itself route or queue anything; callers register each accepted client's
// Transport into a route.Table and feed inbound bytes to the router.
// Adapted from the teacher's pkg/websocket.Hub: the channel-actor
// register/unregister/broadcast loop is dropped in favor of a plain mutex
// map, since route table membership (not hub-local broadcast) is this
// repo's fan-out mechanism.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]*WSClient
	logger  zerolog.Logger
}

func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[string]*WSClient),
		logger:  logger,
	}
}

// Upgrade accepts a WebSocket upgrade for an already-authenticated device
// and starts its read/write pumps. onMessage is invoked from the read
// pump's goroutine for every inbound frame; callers typically hand this
// straight to router.Submit after envelope decoding.
func (h *WSHub) Upgrade(w http.ResponseWriter, r *http.Request, deviceID string, onMessage func(deviceID string, payload []byte)) (*WSClient, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		id:     deviceID,
		hub:    h,
		logger: h.logger,
	}

	h.mu.Lock()
	if old, exists := h.clients[deviceID]; exists {
		old.Close()
	}
	h.clients[deviceID] = client
	h.mu.Unlock()

	go client.writePump()
	go client.readPump(onMessage)

	return client, nil
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, exists := h.clients[c.id]; exists && current == c {
		delete(h.clients, c.id)
		c.Close()
	}
}

// Lookup returns the currently connected client for a device, if any.
func (h *WSHub) Lookup(deviceID string) (*WSClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[deviceID]
	return c, ok
}

// Count returns the number of connected WebSocket clients.
func (h *WSHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connected client's send channel.
func (h *WSHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.Close()
		c.Close()
		delete(h.clients, id)
	}
}
