package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedEvent is returned when an inbound payload cannot be turned into a SyncEvent
var ErrMalformedEvent = errors.New("malformed sync event")

// Action is the transport-control intent carried by a SyncEvent
type Action string

const (
	ActionPlay  Action = "play"
	ActionPause Action = "pause"
	ActionSeek  Action = "seek"
)

// Valid reports whether a is one of the known actions
func (a Action) Valid() bool {
	switch a {
	case ActionPlay, ActionPause, ActionSeek:
		return true
	}
	return false
}

// SyncEvent is the only message exchanged between room participants
type SyncEvent struct {
	Action   Action  `json:"action"`
	Time     float64 `json:"time"`               // media position in seconds
	OriginID string  `json:"originId,omitempty"` // emitting participant, diagnostics only
	SentAt   int64   `json:"sentAt"`             // wall clock, ms since epoch
}

// Validate checks the invariants a SyncEvent must hold before it touches RoomState
func (e SyncEvent) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrMalformedEvent, e.Action)
	}
	if math.IsNaN(e.Time) || math.IsInf(e.Time, 0) || e.Time < 0 {
		return fmt.Errorf("%w: invalid time %v", ErrMalformedEvent, e.Time)
	}
	return nil
}

// Encode marshals the event into its wire form
func Encode(e SyncEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// wireEvent uses pointers so that missing required fields can be told apart from zero values
type wireEvent struct {
	Action   *Action  `json:"action"`
	Time     *float64 `json:"time"`
	OriginID string   `json:"originId"`
	SentAt   *int64   `json:"sentAt"`
}

// Decode parses a wire payload. Any payload missing action, time or sentAt is rejected
// with ErrMalformedEvent.
func Decode(data []byte) (SyncEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return SyncEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Action == nil || w.Time == nil || w.SentAt == nil {
		return SyncEvent{}, fmt.Errorf("%w: missing required field", ErrMalformedEvent)
	}

	e := SyncEvent{
		Action:   *w.Action,
		Time:     *w.Time,
		OriginID: w.OriginID,
		SentAt:   *w.SentAt,
	}
	if err := e.Validate(); err != nil {
		return SyncEvent{}, err
	}
	return e, nil
}

// Presence is the metadata a participant tracks on the room's presence feed
type Presence struct {
	ParticipantID string    `json:"participantId"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// NewPresence stamps a presence record for a participant joining at joinedAt
func NewPresence(participantID string, joinedAt time.Time) Presence {
	return Presence{
		ParticipantID: participantID,
		JoinedAt:      joinedAt.UTC(),
	}
}

// Members is a full presence snapshot keyed by participant id
type Members map[string]Presence

// Clone returns a copy that is safe to hand to another goroutine
func (m Members) Clone() Members {
	out := make(Members, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
