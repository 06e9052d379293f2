// Package room tracks per-room session state on top of the inbound
// dispatcher: who is present, who is typing, media and hand-raise state,
// and a short in-memory tail of chat messages for immediate display.
package room

import (
	"time"

	"github.com/veritel/telelink/proto"
)

// Participant is one member of a joined room. Media state for remote
// participants is last-write-wins per frame; the local user's media state
// is authoritative locally and merely echoed here.
type Participant struct {
	UserID     string           `json:"user_id"`
	Username   string           `json:"username"`
	Role       string           `json:"role"`
	Status     string           `json:"status,omitempty"`
	Media      proto.MediaState `json:"media"`
	HandRaised bool             `json:"hand_raised"`
	Quality    string           `json:"connection_quality,omitempty"`
	JoinedAt   time.Time        `json:"joined_at"`
}

// ChatMessage is one chat entry as shown in the room timeline. Durable
// history lives behind the REST history service; this is only what the
// session saw.
type ChatMessage struct {
	ID       string `json:"id"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Content  string `json:"content"`
	TS       int64  `json:"ts"`
}

// Event types delivered to room subscribers.
const (
	EventJoined        = "joined"
	EventLeft          = "left"
	EventMessage       = "message"
	EventTyping        = "typing"
	EventTypingStopped = "typing_stopped"
	EventMedia         = "media"
	EventHandRaise     = "hand_raise"
	EventStatus        = "status"
	EventRemoved       = "removed"
)

// Event is delivered to Coordinator subscribers on every room change.
type Event struct {
	Type        string       `json:"type"`
	RoomID      string       `json:"room_id"`
	UserID      string       `json:"user_id,omitempty"`
	Status      string       `json:"status,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Message     *ChatMessage `json:"message,omitempty"`
}
