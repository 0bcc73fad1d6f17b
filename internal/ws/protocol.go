package ws

import (
	"github.com/repcam/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot   MessageType = "snapshot"
	MsgDelta      MessageType = "delta"
	MsgCompletion MessageType = "completion"
	MsgError      MessageType = "error"
)

type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*session.Session `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*session.Session `json:"updates"`
	Removed []string           `json:"removed,omitempty"`
}

type CompletionPayload struct {
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	SourceID    string        `json:"sourceId"`
	State       session.State `json:"state"`
	FinalScore  *float64      `json:"finalScore,omitempty"`
	AbortReason string        `json:"abortReason,omitempty"`
}
