package mockapi

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/bus"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster pushes invalidations to every connected events socket.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool
	seq     uint64
	log     logrus.FieldLogger
}

func NewBroadcaster(log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{
		clients: make(map[*client]bool),
		log:     log,
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	seq := b.seq
	b.mu.Unlock()

	data, _ := json.Marshal(FeedMessage{Type: MsgHello, Seq: seq})
	select {
	case c.send <- data:
	default:
	}
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Invalidate tells every client that the list behind event changed.
func (b *Broadcaster) Invalidate(event bus.Event) {
	b.mu.Lock()
	b.seq++
	msg := FeedMessage{Type: MsgInvalidate, Seq: b.seq, Payload: InvalidatePayload{Event: event}}
	b.mu.Unlock()
	b.broadcast(msg)
}

func (b *Broadcaster) broadcast(msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).Error("broadcast marshal")
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn("events client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
