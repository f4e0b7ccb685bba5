// Package wsbus implements bridge.EventBus over gorilla/websocket,
// fanning out bridge lifecycle events to connected UI clients (e.g. a
// live call-monitoring dashboard). Grounded on the same
// "push live call state to a browser" role birddigital-signalwire-telephony
// and dbehnke-dmr-nexus use gorilla/websocket for, adapted to the
// bridge core's Event type instead of theirs.
package wsbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/flowpbx/internal/bridge"
)

const (
	writeTimeout  = 5 * time.Second
	clientSendBuf = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bus publishes bridge.Event values to every connected websocket client
// as JSON. An event for a client whose send buffer is full is dropped
// for that client rather than allowed to back up Publish, which bridge.go's call sites require to never block a
// bridge lock holder for long.
type Bus struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan bridge.Event
}

// New constructs an empty Bus. Wire its Handler into an HTTP router to
// accept subscribers.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log.With("subsystem", "bridge-wsbus"), clients: make(map[*client]struct{})}
}

// Publish implements bridge.EventBus.
func (b *Bus) Publish(ev bridge.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.clients {
		select {
		case c.send <- ev:
		default:
			b.log.Warn("dropping event for slow websocket client")
		}
	}
}

// Handler upgrades an HTTP request to a websocket and registers it as a
// subscriber until the connection closes.
func (b *Bus) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan bridge.Event, clientSendBuf)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go b.writeLoop(c)
	go b.readLoop(c)
}

func (b *Bus) writeLoop(c *client) {
	defer b.remove(c)
	for ev := range c.send {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readLoop does nothing with inbound messages but must drain them so
// gorilla/websocket's control-frame handling (ping/pong, close) keeps
// working; it exits (and triggers cleanup) once the client disconnects.
func (b *Bus) readLoop(c *client) {
	defer b.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bus) remove(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
		c.conn.Close()
	}
	b.mu.Unlock()
}
