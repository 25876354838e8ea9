// Package syncengine decides, for every native media signal and every inbound room
// event, whether to broadcast or to apply. It is not safe for concurrent use: the
// session event loop is its only caller.
package syncengine

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/rs/zerolog/log"
)

// ErrPlaybackBlocked is returned by Media.Play when the environment refuses to start playback
var ErrPlaybackBlocked = errors.New("playback blocked")

// Media is the single playable element a session controls. Calls must not block;
// a refused Play is reported as an error wrapping ErrPlaybackBlocked.
type Media interface {
	CurrentTime() float64
	Paused() bool
	SetCurrentTime(t float64)
	Play() error
	Pause()
}

// Signal is a native notification raised by the media element
type Signal int

const (
	SignalPlay Signal = iota
	SignalPause
	SignalSeeked
	SignalTimeUpdate
)

func (s Signal) String() string {
	switch s {
	case SignalPlay:
		return "play"
	case SignalPause:
		return "pause"
	case SignalSeeked:
		return "seeked"
	case SignalTimeUpdate:
		return "timeupdate"
	default:
		return "unknown"
	}
}

// Config holds the tunables of the protocol
type Config struct {
	ParticipantID string
	// SuppressWindow is how long native signals are ignored after an inbound event was
	// applied. 100ms is an empirical value.
	SuppressWindow time.Duration
	// HeartbeatInterval is the rolling window for resync seeks while playing
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the protocol defaults
func DefaultConfig() Config {
	return Config{
		SuppressWindow:    100 * time.Millisecond,
		HeartbeatInterval: time.Second,
	}
}

// Engine owns the local transport-control state of one participant
type Engine struct {
	config  Config
	clock   clockwork.Clock
	publish func(events.SyncEvent)
	media   Media

	state             events.RoomState
	lastAppliedAction events.Action
	lastAppliedTime   float64
	suppressUntil     time.Time
	lastHeartbeat     time.Time
	lastSentAt        int64
}

// New creates an engine that hands outbound events to publish. Without a bound
// Media the engine runs relay-only: it folds inbound events into RoomState and
// still serves manual controls.
func New(config Config, clock clockwork.Clock, publish func(events.SyncEvent)) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.SuppressWindow <= 0 {
		config.SuppressWindow = DefaultConfig().SuppressWindow
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Engine{
		config:  config,
		clock:   clock,
		publish: publish,
	}
}

// Bind attaches the media element
func (e *Engine) Bind(m Media) {
	e.media = m
}

// Config returns the configuration with defaults applied
func (e *Engine) Config() Config {
	return e.config
}

// HasMedia reports whether an element is bound
func (e *Engine) HasMedia() bool {
	return e.media != nil
}

// State returns the current RoomState projection
func (e *Engine) State() events.RoomState {
	return e.state
}

// LastApplied returns the last inbound action and position applied locally
func (e *Engine) LastApplied() (events.Action, float64) {
	return e.lastAppliedAction, e.lastAppliedTime
}

// Suppressed reports whether native signals are currently treated as echoes
func (e *Engine) Suppressed() bool {
	return e.clock.Now().Before(e.suppressUntil)
}

// HandleSignal processes a native media signal and reports whether it was broadcast
func (e *Engine) HandleSignal(sig Signal) bool {
	if e.media == nil {
		return false
	}
	if sig == SignalTimeUpdate {
		return e.heartbeat()
	}
	if e.Suppressed() {
		log.Debug().
			Str("participant_id", e.config.ParticipantID).
			Str("signal", sig.String()).
			Msg("suppressing echo of applied event")
		return false
	}

	var action events.Action
	switch sig {
	case SignalPlay:
		action = events.ActionPlay
	case SignalPause:
		action = events.ActionPause
	case SignalSeeked:
		action = events.ActionSeek
	default:
		return false
	}
	e.emit(action, e.media.CurrentTime())
	return true
}

// Tick is driven by the session's heartbeat ticker
func (e *Engine) Tick() bool {
	return e.heartbeat()
}

// heartbeat emits a resync seek at most once per HeartbeatInterval while the
// element is playing and not suppressed
func (e *Engine) heartbeat() bool {
	if e.media == nil || e.media.Paused() || e.Suppressed() {
		return false
	}
	now := e.clock.Now()
	if !e.lastHeartbeat.IsZero() && now.Sub(e.lastHeartbeat) < e.config.HeartbeatInterval {
		return false
	}
	e.lastHeartbeat = now

	t := e.media.CurrentTime()
	log.Debug().
		Str("participant_id", e.config.ParticipantID).
		Float64("time", t).
		Msg("heartbeat seek")
	e.emit(events.ActionSeek, t)
	return true
}

// HandleInbound applies an event received from the room, self-echo included
func (e *Engine) HandleInbound(ev events.SyncEvent) {
	if err := ev.Validate(); err != nil {
		log.Debug().Err(err).Msg("ignoring invalid inbound event")
		return
	}

	e.suppressUntil = e.clock.Now().Add(e.config.SuppressWindow)
	if e.media != nil {
		e.apply(ev)
	}
	e.lastAppliedAction = ev.Action
	e.lastAppliedTime = ev.Time
	e.state = e.state.Apply(ev)
}

func (e *Engine) apply(ev events.SyncEvent) {
	switch ev.Action {
	case events.ActionPlay:
		e.media.SetCurrentTime(ev.Time)
		if err := e.media.Play(); err != nil {
			log.Warn().
				Err(err).
				Str("participant_id", e.config.ParticipantID).
				Float64("time", ev.Time).
				Msg("play failed")
		}
	case events.ActionPause:
		e.media.SetCurrentTime(ev.Time)
		e.media.Pause()
	case events.ActionSeek:
		e.media.SetCurrentTime(ev.Time)
	}
}

// HandlePresence folds a presence snapshot into RoomState
func (e *Engine) HandlePresence(m events.Members) {
	e.state = e.state.WithPresence(m)
}

// Play, Pause, Seek and SeekBy are explicit UI controls. They always publish,
// regardless of suppression.

func (e *Engine) Play() {
	e.emit(events.ActionPlay, e.knownTime())
}

func (e *Engine) Pause() {
	e.emit(events.ActionPause, e.knownTime())
}

func (e *Engine) Seek(t float64) {
	e.emit(events.ActionSeek, t)
}

// SeekBy seeks relative to the known position, never before zero
func (e *Engine) SeekBy(offset float64) {
	e.emit(events.ActionSeek, e.knownTime()+offset)
}

// knownTime prefers the element's position and falls back to the projection
func (e *Engine) knownTime() float64 {
	if e.media != nil {
		return e.media.CurrentTime()
	}
	return e.state.CurrentTime
}

func (e *Engine) emit(action events.Action, t float64) {
	if t < 0 {
		t = 0
	}
	sentAt := e.clock.Now().UnixMilli()
	if sentAt < e.lastSentAt {
		sentAt = e.lastSentAt
	}
	e.lastSentAt = sentAt

	ev := events.SyncEvent{
		Action:   action,
		Time:     t,
		OriginID: e.config.ParticipantID,
		SentAt:   sentAt,
	}
	log.Debug().
		Str("participant_id", e.config.ParticipantID).
		Str("action", string(action)).
		Float64("time", t).
		Msg("publishing sync event")
	if e.publish != nil {
		e.publish(ev)
	}
}
