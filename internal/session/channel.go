package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/repcam/backend/internal/fault"
	"github.com/repcam/backend/internal/metrics"
)

// EventChannel delivers one session's events, in order, to at most one
// subscriber. Publishing never blocks the producer beyond terminalTimeout: if
// the subscriber falls behind the bounded buffer, events are dropped and the
// loss is reported in-band with a synthesized error event. After the terminal
// status event the channel is closed and nothing follows.
//
// publish and publishTerminal must only be called from the owning machine
// goroutine; Subscribe may be called from any goroutine.
type EventChannel struct {
	sessionID       string
	events          chan Event
	terminalTimeout time.Duration

	mu      sync.Mutex
	claimed bool

	// Producer-goroutine state, no lock needed.
	next    uint64
	dropped int
	closed  bool
}

func newEventChannel(sessionID string, buffer int, terminalTimeout time.Duration) *EventChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventChannel{
		sessionID:       sessionID,
		events:          make(chan Event, buffer),
		terminalTimeout: terminalTimeout,
	}
}

// Subscribe claims the channel and returns the event stream. A channel can be
// claimed once; there is no mid-stream restart.
func (c *EventChannel) Subscribe() (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		return nil, fmt.Errorf("session %s already has a subscriber: %w", c.sessionID, fault.ErrConflict)
	}
	c.claimed = true
	return c.events, nil
}

// publish enqueues an event, dropping it if the buffer is full. Accumulated
// drops are reported with an error event as soon as space frees up.
func (c *EventChannel) publish(kind EventKind, payload any) {
	if c.closed {
		return
	}
	c.flushDropNotice()
	if !c.trySend(kind, payload) {
		c.dropped++
		metrics.EventsDropped.Inc()
	}
}

// publishTerminal delivers the final status event and closes the stream. It
// waits up to terminalTimeout for buffer space so a live subscriber does not
// miss the terminal event, then gives up rather than stalling the session.
func (c *EventChannel) publishTerminal(payload StatusPayload) {
	if c.closed {
		return
	}
	c.flushDropNotice()
	ev := c.makeEvent(KindStatus, payload)
	timer := time.NewTimer(c.terminalTimeout)
	defer timer.Stop()
	select {
	case c.events <- ev:
		c.next++
		metrics.EventsPublished.Inc()
	case <-timer.C:
		metrics.EventsDropped.Inc()
	}
	c.closed = true
	close(c.events)
}

func (c *EventChannel) flushDropNotice() {
	if c.dropped == 0 {
		return
	}
	notice := ErrorPayload{
		Message: "subscriber too slow, events dropped",
		Dropped: c.dropped,
	}
	if c.trySend(KindError, notice) {
		c.dropped = 0
	}
}

func (c *EventChannel) trySend(kind EventKind, payload any) bool {
	ev := c.makeEvent(kind, payload)
	select {
	case c.events <- ev:
		c.next++
		metrics.EventsPublished.Inc()
		return true
	default:
		return false
	}
}

func (c *EventChannel) makeEvent(kind EventKind, payload any) Event {
	return Event{
		SessionID: c.sessionID,
		Sequence:  c.next,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
