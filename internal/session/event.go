package session

import "time"

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	KindStatus  EventKind = "status"
	KindMetrics EventKind = "metrics"
	KindError   EventKind = "error"
)

// Event is an immutable message pushed to a session's subscriber. Sequence is
// assigned when the event is accepted for delivery, starts at 0 and is
// gapless per session.
type Event struct {
	SessionID string    `json:"sessionId"`
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// StatusPayload announces a lifecycle transition.
type StatusPayload struct {
	Status     string   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	FinalScore *float64 `json:"finalScore,omitempty"`
}

// MetricsPayload is the accumulator snapshot taken after folding a sample.
type MetricsPayload struct {
	Accumulator
	LastValue float64 `json:"lastValue"`
}

// ErrorPayload reports an in-band, non-fatal problem such as event loss.
type ErrorPayload struct {
	Message string `json:"message"`
	Dropped int    `json:"dropped,omitempty"`
}
