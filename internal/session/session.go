package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	Idle State = iota
	Active
	Completing
	Completed
	Aborted
)

var stateNames = map[State]string{
	Idle:       "idle",
	Active:     "active",
	Completing: "completing",
	Completed:  "completed",
	Aborted:    "aborted",
}

var stateFromName = map[string]State{
	"idle":       Idle,
	"active":     Active,
	"completing": Completing,
	"completed":  Completed,
	"aborted":    Aborted,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == Completed || s == Aborted
}

// Accumulator holds the running totals of an active session. It is mutated
// only by the owning machine goroutine.
type Accumulator struct {
	SampleCount  int     `json:"sampleCount"`
	TotalValue   float64 `json:"totalValue"`
	PeakValue    float64 `json:"peakValue"`
	ActiveMillis int64   `json:"activeDurationMs"`
}

// Session is one start-to-finish activity instance tied to a user and an
// input source. ID, UserID and SourceID are immutable after creation.
type Session struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	SourceID       string      `json:"sourceId"`
	State          State       `json:"state"`
	StartedAt      time.Time   `json:"startedAt"`
	LastActivityAt time.Time   `json:"lastActivityAt"`
	EndedAt        *time.Time  `json:"endedAt,omitempty"`
	Accumulator    Accumulator `json:"accumulator"`
	FinalScore     *float64    `json:"finalScore,omitempty"`
	AbortReason    string      `json:"abortReason,omitempty"`
}

// Clone returns a deep copy of the Session, duplicating pointer fields so the
// copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.FinalScore != nil {
		v := *s.FinalScore
		c.FinalScore = &v
	}
	return &c
}
