// Package ws is the spectator feed: a websocket fan-out of live session
// snapshots, throttled deltas and completion notices for dashboard clients.
// It observes sessions; it never influences them.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/session"
)

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
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

// trySend enqueues without blocking. It reports false only when the client is
// alive but its buffer is full; sends and close are serialized on c.mu so a
// concurrent close can never race a send on the channel.
func (c *client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Broadcaster fans session activity out to spectator clients. Updates are
// coalesced under a throttle window; a full snapshot goes out periodically
// and to every client on connect.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	registry *session.Registry
	throttle time.Duration
	log      zerolog.Logger

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu        sync.Mutex
	pendingUpdates []*session.Session
	pendingRemoved []string
	flushTimer     *time.Timer
}

func NewBroadcaster(registry *session.Registry, throttle, snapshotInterval time.Duration, log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		registry: registry,
		throttle: throttle,
		log:      log.With().Str("component", "spectator").Logger(),
		stop:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// Close stops the snapshot loop and disconnects all clients.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)
	})

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// AddClient registers a connection and sends it an initial snapshot.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	snapshot := Message{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Sessions: b.registry.Snapshots(),
		},
	}
	data, _ := json.Marshal(snapshot)
	// Full buffer on a brand-new client: drop the snapshot, the periodic
	// one will catch it up.
	_ = c.trySend(data)

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

// QueueUpdate buffers a session snapshot for the next throttled delta.
func (b *Broadcaster) QueueUpdate(snap *session.Session) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingUpdates = append(b.pendingUpdates, snap)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// QueueRemoval buffers an evicted session id for the next throttled delta.
func (b *Broadcaster) QueueRemoval(id string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingRemoved = append(b.pendingRemoved, id)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// QueueCompletion pushes a terminal notice immediately, bypassing the
// throttle so completion toasts are snappy.
func (b *Broadcaster) QueueCompletion(snap *session.Session) {
	msg := Message{
		Type: MsgCompletion,
		Payload: CompletionPayload{
			SessionID:   snap.ID,
			UserID:      snap.UserID,
			SourceID:    snap.SourceID,
			State:       snap.State,
			FinalScore:  snap.FinalScore,
			AbortReason: snap.AbortReason,
		},
	}
	b.broadcast(msg)
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := b.pendingUpdates
	removed := b.pendingRemoved
	b.pendingUpdates = nil
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 && len(removed) == 0 {
		return
	}

	b.broadcast(Message{
		Type: MsgDelta,
		Payload: DeltaPayload{
			Updates: updates,
			Removed: removed,
		},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(Message{
				Type: MsgSnapshot,
				Payload: SnapshotPayload{
					Sessions: b.registry.Snapshots(),
				},
			})
		}
	}
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Msg("broadcast marshal error")
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			// Client can't keep up, disconnect it.
			b.log.Warn().Msg("spectator client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
