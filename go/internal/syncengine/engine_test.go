package syncengine

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMedia struct {
	time    float64
	paused  bool
	playErr error
	calls   []string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{paused: true}
}

func (m *fakeMedia) CurrentTime() float64 { return m.time }
func (m *fakeMedia) Paused() bool         { return m.paused }

func (m *fakeMedia) SetCurrentTime(t float64) {
	m.calls = append(m.calls, fmt.Sprintf("seek:%v", t))
	m.time = t
}

func (m *fakeMedia) Play() error {
	m.calls = append(m.calls, "play")
	if m.playErr != nil {
		return m.playErr
	}
	m.paused = false
	return nil
}

func (m *fakeMedia) Pause() {
	m.calls = append(m.calls, "pause")
	m.paused = true
}

type harness struct {
	clock     *clockwork.FakeClock
	engine    *Engine
	media     *fakeMedia
	published []events.SyncEvent
}

func newHarness(t *testing.T, withMedia bool) *harness {
	t.Helper()
	h := &harness{clock: clockwork.NewFakeClockAt(time.Unix(1700000000, 0))}
	cfg := DefaultConfig()
	cfg.ParticipantID = "me"
	h.engine = New(cfg, h.clock, func(ev events.SyncEvent) {
		h.published = append(h.published, ev)
	})
	if withMedia {
		h.media = newFakeMedia()
		h.engine.Bind(h.media)
	}
	return h
}

func TestInboundApply(t *testing.T) {
	testCases := []struct {
		name      string
		event     events.SyncEvent
		startPlay bool
		wantCalls []string
		wantPause bool
	}{
		{
			name:      "play seeks then plays",
			event:     events.SyncEvent{Action: events.ActionPlay, Time: 10},
			wantCalls: []string{"seek:10", "play"},
			wantPause: false,
		},
		{
			name:      "pause seeks then pauses",
			event:     events.SyncEvent{Action: events.ActionPause, Time: 4.5},
			startPlay: true,
			wantCalls: []string{"seek:4.5", "pause"},
			wantPause: true,
		},
		{
			name:      "seek keeps play state",
			event:     events.SyncEvent{Action: events.ActionSeek, Time: 30},
			startPlay: true,
			wantCalls: []string{"seek:30"},
			wantPause: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.media.paused = !tc.startPlay

			h.engine.HandleInbound(tc.event)

			assert.Equal(t, tc.wantCalls, h.media.calls)
			assert.Equal(t, tc.wantPause, h.media.Paused())
			assert.Equal(t, tc.event.Time, h.media.CurrentTime())
			assert.Empty(t, h.published)

			action, at := h.engine.LastApplied()
			assert.Equal(t, tc.event.Action, action)
			assert.Equal(t, tc.event.Time, at)
		})
	}
}

func TestInboundEchoIsSuppressed(t *testing.T) {
	h := newHarness(t, true)

	h.engine.HandleInbound(events.SyncEvent{Action: events.ActionPlay, Time: 10})
	// the element raises its own play and seeked signals in response
	assert.False(t, h.engine.HandleSignal(SignalPlay))
	assert.False(t, h.engine.HandleSignal(SignalSeeked))
	assert.Empty(t, h.published)

	h.clock.Advance(99 * time.Millisecond)
	assert.False(t, h.engine.HandleSignal(SignalPause))
	assert.Empty(t, h.published)

	h.clock.Advance(time.Millisecond)
	assert.True(t, h.engine.HandleSignal(SignalPause))
	require.Len(t, h.published, 1)
	assert.Equal(t, events.ActionPause, h.published[0].Action)
	assert.Equal(t, 10.0, h.published[0].Time)
	assert.Equal(t, "me", h.published[0].OriginID)
}

func TestOutboundSignals(t *testing.T) {
	h := newHarness(t, true)
	h.media.time = 42

	assert.True(t, h.engine.HandleSignal(SignalPlay))
	assert.True(t, h.engine.HandleSignal(SignalSeeked))
	assert.True(t, h.engine.HandleSignal(SignalPause))

	require.Len(t, h.published, 3)
	assert.Equal(t, events.ActionPlay, h.published[0].Action)
	assert.Equal(t, events.ActionSeek, h.published[1].Action)
	assert.Equal(t, events.ActionPause, h.published[2].Action)
	for _, ev := range h.published {
		assert.Equal(t, 42.0, ev.Time)
		assert.Equal(t, h.clock.Now().UnixMilli(), ev.SentAt)
	}
	// outbound alone does not change the projection; the self-echo does
	assert.Equal(t, events.RoomState{}, h.engine.State())
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, true)
	h.media.paused = false
	h.media.time = 5

	assert.True(t, h.engine.Tick())
	h.clock.Advance(500 * time.Millisecond)
	assert.False(t, h.engine.Tick())
	assert.False(t, h.engine.HandleSignal(SignalTimeUpdate))
	h.clock.Advance(499 * time.Millisecond)
	assert.False(t, h.engine.HandleSignal(SignalTimeUpdate))
	h.clock.Advance(time.Millisecond)
	assert.True(t, h.engine.HandleSignal(SignalTimeUpdate))

	require.Len(t, h.published, 2)
	for _, ev := range h.published {
		assert.Equal(t, events.ActionSeek, ev.Action)
	}
}

func TestHeartbeatAtMostOncePerWindow(t *testing.T) {
	h := newHarness(t, true)
	h.media.paused = false

	var emitted []time.Time
	for i := 0; i < 100; i++ {
		if h.engine.Tick() {
			emitted = append(emitted, h.clock.Now())
		}
		if h.engine.HandleSignal(SignalTimeUpdate) {
			emitted = append(emitted, h.clock.Now())
		}
		h.clock.Advance(250 * time.Millisecond)
	}

	require.NotEmpty(t, emitted)
	for i := 1; i < len(emitted); i++ {
		assert.GreaterOrEqual(t, emitted[i].Sub(emitted[i-1]), time.Second)
	}
}

func TestHeartbeatSilentWhenPausedOrSuppressed(t *testing.T) {
	h := newHarness(t, true)

	for i := 0; i < 5; i++ {
		assert.False(t, h.engine.Tick())
		h.clock.Advance(time.Second)
	}

	h.engine.HandleInbound(events.SyncEvent{Action: events.ActionPlay, Time: 1})
	assert.False(t, h.engine.Tick())
	assert.Empty(t, h.published)

	h.clock.Advance(100 * time.Millisecond)
	assert.True(t, h.engine.Tick())
}

func TestManualControls(t *testing.T) {
	h := newHarness(t, false)

	h.engine.HandleInbound(events.SyncEvent{Action: events.ActionSeek, Time: 3})
	// suppression does not apply to explicit controls
	h.engine.SeekBy(-10)
	h.engine.SeekBy(5)
	h.engine.Play()
	h.engine.Pause()
	h.engine.Seek(120)

	require.Len(t, h.published, 5)
	assert.Equal(t, 0.0, h.published[0].Time)
	assert.Equal(t, 8.0, h.published[1].Time)
	assert.Equal(t, events.ActionPlay, h.published[2].Action)
	assert.Equal(t, 3.0, h.published[2].Time)
	assert.Equal(t, events.ActionPause, h.published[3].Action)
	assert.Equal(t, 120.0, h.published[4].Time)
}

func TestManualControlsPreferElementPosition(t *testing.T) {
	h := newHarness(t, true)
	h.media.time = 50

	h.engine.SeekBy(5)
	require.Len(t, h.published, 1)
	assert.Equal(t, 55.0, h.published[0].Time)
}

func TestRelayOnly(t *testing.T) {
	h := newHarness(t, false)

	assert.False(t, h.engine.HandleSignal(SignalPlay))
	assert.False(t, h.engine.Tick())

	h.engine.HandleInbound(events.SyncEvent{Action: events.ActionPlay, Time: 7})
	h.engine.HandlePresence(events.Members{"a": {}, "b": {}, "c": {}})

	s := h.engine.State()
	assert.True(t, s.IsPlaying)
	assert.Equal(t, 7.0, s.CurrentTime)
	assert.Equal(t, events.ActionPlay, s.LastAction)
	assert.Equal(t, 3, s.ParticipantCount)
	assert.Empty(t, h.published)
}

func TestPlaybackBlockedIsNonFatal(t *testing.T) {
	h := newHarness(t, true)
	h.media.playErr = fmt.Errorf("autoplay policy: %w", ErrPlaybackBlocked)

	h.engine.HandleInbound(events.SyncEvent{Action: events.ActionPlay, Time: 12})

	assert.True(t, h.media.Paused())
	assert.True(t, h.engine.State().IsPlaying)
	assert.Equal(t, 12.0, h.media.CurrentTime())
	assert.False(t, h.engine.Tick())
}

func TestInvalidInboundIgnored(t *testing.T) {
	h := newHarness(t, true)

	h.engine.HandleInbound(events.SyncEvent{Action: "rewind", Time: 1})
	h.engine.HandleInbound(events.SyncEvent{Action: events.ActionSeek, Time: -3})

	assert.Equal(t, events.RoomState{}, h.engine.State())
	assert.Empty(t, h.media.calls)
	assert.False(t, h.engine.Suppressed())
}

func TestLastWriteWins(t *testing.T) {
	h := newHarness(t, false)
	seq := []events.SyncEvent{
		{Action: events.ActionPlay, Time: 1},
		{Action: events.ActionSeek, Time: 80},
		{Action: events.ActionPause, Time: 2},
		{Action: events.ActionSeek, Time: 15},
		{Action: events.ActionPlay, Time: 14},
	}
	for _, ev := range seq {
		h.engine.HandleInbound(ev)
		s := h.engine.State()
		assert.Equal(t, ev.Action, s.LastAction)
		assert.Equal(t, ev.Time, s.CurrentTime)
	}
}
