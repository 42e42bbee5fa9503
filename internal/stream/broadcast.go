package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ionlab/pmtscan/internal/event"
	"github.com/ionlab/pmtscan/internal/logging"
	"github.com/ionlab/pmtscan/internal/scan"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Snapshotter supplies the current session state. *scan.Controller
// implements it.
type Snapshotter interface {
	Snapshot() scan.Snapshot
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans scan events out to connected websocket clients.
type Broadcaster struct {
	src    Snapshotter
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*client]bool
	bus     *event.Bus
	subID   string
}

// NewBroadcaster creates a Broadcaster. A nil logger discards output.
func NewBroadcaster(src Snapshotter, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Broadcaster{
		src:     src,
		logger:  logger.WithComponent("stream"),
		clients: make(map[*client]bool),
	}
}

// Attach subscribes to every event on bus. A previous subscription is
// dropped.
func (b *Broadcaster) Attach(bus *event.Bus) {
	b.Detach()
	id := bus.SubscribeAll(b.Broadcast)

	b.mu.Lock()
	b.bus, b.subID = bus, id
	b.mu.Unlock()
}

// Detach removes the bus subscription.
func (b *Broadcaster) Detach() {
	b.mu.Lock()
	bus, id := b.bus, b.subID
	b.bus, b.subID = nil, ""
	b.mu.Unlock()

	if bus != nil {
		bus.Unsubscribe(id)
	}
}

// AddClient registers conn and queues the current snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	data, err := json.Marshal(snapshotMessage(b.src.Snapshot()))
	if err != nil {
		b.logger.Error("snapshot marshal failed", "error", err.Error())
		return c
	}
	select {
	case c.send <- data:
	default:
	}
	return c
}

// RemoveClient unregisters c and closes its connection. It is safe to call
// more than once.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Broadcast sends e to every client. Clients that cannot keep up are
// disconnected rather than stalling the event queue.
func (b *Broadcaster) Broadcast(e event.Event) {
	b.send(eventMessage(e))
}

func (b *Broadcaster) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal failed", "type", msg.Type, "error", err.Error())
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			b.RemoveClient(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client and detaches from the bus.
func (b *Broadcaster) Close() {
	b.Detach()

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}
