package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	EventPeerJoined     EventType = "room.peer_joined"
	EventPeerLeft       EventType = "room.peer_left"
	EventNewProducer    EventType = "room.new_producer"
	EventProducerClosed EventType = "room.producer_closed"
	EventRoomCreated    EventType = "room.created"
	EventRoomDestroyed  EventType = "room.destroyed"
)

// Envelope is the standard event wrapper published to the event bus.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	RoomID    string            `json:"room_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
