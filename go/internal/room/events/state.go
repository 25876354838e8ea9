package events

// RoomState is the local projection folded from the event stream and presence snapshots.
// It has no identity of its own; every participant computes it independently.
type RoomState struct {
	IsPlaying        bool    `json:"isPlaying"`
	CurrentTime      float64 `json:"currentTime"`
	LastAction       Action  `json:"lastAction,omitempty"` // empty until the first event
	ParticipantCount int     `json:"participantCount"`
}

// Apply folds an event into the projection. The last event always wins; Seek leaves
// the play state as it was.
func (s RoomState) Apply(e SyncEvent) RoomState {
	switch e.Action {
	case ActionPlay:
		s.IsPlaying = true
	case ActionPause:
		s.IsPlaying = false
	}
	s.CurrentTime = e.Time
	s.LastAction = e.Action
	return s
}

// WithPresence folds a presence snapshot into the projection
func (s RoomState) WithPresence(m Members) RoomState {
	s.ParticipantCount = len(m)
	return s
}

// LastActionLabel returns the last action or "none"
func (s RoomState) LastActionLabel() string {
	if s.LastAction == "" {
		return "none"
	}
	return string(s.LastAction)
}

// Fold replays events over an initial state
func Fold(initial RoomState, evs ...SyncEvent) RoomState {
	s := initial
	for _, e := range evs {
		s = s.Apply(e)
	}
	return s
}
