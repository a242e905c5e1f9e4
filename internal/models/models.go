package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// DuplicateWindow is the timestamp tolerance within which two messages with
// the same content and sender display name are considered the same message
// (a local echo and the server's rebroadcast of it).
const DuplicateWindow = 2 * time.Second

type RoomType string

const (
	RoomTypeGlobal RoomType = "GLOBAL"
	RoomTypeGroup  RoomType = "GROUP"
	RoomTypeDirect RoomType = "DIRECT"
)

// User represents an account in the user directory. Anonymous users have no
// ID or Username.
type User struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	IsAnonymous bool   `json:"isAnonymous,omitempty"`
}

// Room represents a chat room as returned by the room directory.
// Once selected for a session it is treated as immutable, except for the
// display name of DIRECT rooms which is enriched asynchronously.
type Room struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	Type             RoomType `json:"type"`
	OwnerID          string   `json:"owner_id,omitempty"`
	Participants     []string `json:"participants,omitempty"`
	CreatedAt        string   `json:"created_at,omitempty"`
	ParticipantCount int      `json:"participant_count,omitempty"`
	IsPrivate        bool     `json:"is_private,omitempty"`
	LastMessageAt    string   `json:"last_message_at,omitempty"`
}

// MessageID is a message identifier. The history service assigns numeric
// ids, locally synthesized echoes carry uuids, so it unmarshals from either
// JSON form.
type MessageID string

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id is neither string nor number: %s", data)
	}
	*id = MessageID(n.String())
	return nil
}

// Message is a single entry in a session's message list. SenderUserID is nil
// for anonymous senders.
type Message struct {
	ID                 MessageID `json:"id"`
	RoomID             string    `json:"room_id"`
	SenderUserID       *string   `json:"sender_user_id"`
	SenderDisplayName  string    `json:"sender_display_name"`
	SenderDisplayColor string    `json:"sender_display_color"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"created_at"`
}

// ContentDuplicate reports whether a and b are the same logical message:
// identical content and sender display name with creation timestamps within
// DuplicateWindow of each other.
func ContentDuplicate(a, b Message) bool {
	if a.Content != b.Content || a.SenderDisplayName != b.SenderDisplayName {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= DuplicateWindow
}

// Participant is an ephemeral roster entry, derived from presence events and
// never persisted.
type Participant struct {
	UserID      string
	DisplayName string
	Color       string
	Anonymous   bool
}

// Key identifies a participant for reconciliation: the user id when present,
// the display name otherwise. Anonymous users sharing a display name
// therefore collide; see the presence package.
func (p Participant) Key() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.DisplayName
}

type EventType string

const (
	EventTypeMessage  EventType = "message"
	EventTypeJoin     EventType = "join"
	EventTypeLeave    EventType = "leave"
	EventTypeUserList EventType = "user_list"
	EventTypeError    EventType = "error"
)

// Event is an inbound real-time frame. Which fields are populated depends on
// Type.
type Event struct {
	Type         EventType   `json:"type"`
	RoomID       string      `json:"roomId,omitempty"`
	UserID       *string     `json:"userId,omitempty"`
	DisplayName  string      `json:"displayName,omitempty"`
	DisplayColor string      `json:"displayColor,omitempty"`
	Content      string      `json:"content,omitempty"`
	Timestamp    string      `json:"timestamp,omitempty"`
	Users        []EventUser `json:"users,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// EventUser is a roster entry inside a user_list snapshot. UserID is null on
// the wire for anonymous users.
type EventUser struct {
	UserID       *string `json:"userId"`
	DisplayName  string  `json:"displayName"`
	DisplayColor string  `json:"displayColor"`
}

// Participant converts a snapshot entry to a roster participant.
func (u EventUser) Participant() Participant {
	p := Participant{
		DisplayName: u.DisplayName,
		Color:       u.DisplayColor,
	}
	if u.UserID != nil && *u.UserID != "" {
		p.UserID = *u.UserID
	} else {
		p.Anonymous = true
	}
	return p
}

// ClientFrame is the only frame a client sends over the real-time link.
type ClientFrame struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}
