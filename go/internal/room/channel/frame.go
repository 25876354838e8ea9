package channel

import (
	"encoding/json"

	"github.com/mcdev12/syncparty/go/internal/room/events"
)

// FrameType identifies a websocket frame exchanged with the gateway
type FrameType string

const (
	FrameSync     FrameType = "sync"     // both directions
	FramePresence FrameType = "presence" // gateway -> client, full snapshot
	FrameTrack    FrameType = "track"    // client -> gateway
	FrameUntrack  FrameType = "untrack"  // client -> gateway
)

// Frame is the websocket envelope. Event stays raw so that receivers, not the
// envelope decoder, decide whether a payload is malformed.
type Frame struct {
	Type          FrameType        `json:"type"`
	Event         json.RawMessage  `json:"event,omitempty"`
	Presence      *events.Presence `json:"presence,omitempty"`
	ParticipantID string           `json:"participantId,omitempty"`
	Members       events.Members   `json:"members,omitempty"`
}

// SyncFrame wraps an encoded event
func SyncFrame(data []byte) Frame {
	return Frame{Type: FrameSync, Event: data}
}

// PresenceFrame wraps a snapshot
func PresenceFrame(m events.Members) Frame {
	return Frame{Type: FramePresence, Members: m}
}
