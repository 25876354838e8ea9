package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/syncparty/go/internal/locator"
	"github.com/mcdev12/syncparty/go/internal/page"
	"github.com/mcdev12/syncparty/go/internal/room/channel"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/mcdev12/syncparty/go/internal/syncengine"
)

const (
	roomID  = "QX7K2P"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newSession(t *testing.T, ch channel.Channel, clock clockwork.Clock, participantID string) *Controller {
	t.Helper()
	c := New(Config{
		RoomID:        roomID,
		ParticipantID: participantID,
		Engine:        syncengine.DefaultConfig(),
	}, ch, clock)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func withVideo(v *page.Video) LocateFunc {
	return func(context.Context) (Element, error) { return v, nil }
}

// observer is a bare subscriber counting everything broadcast in the room
type observer struct {
	mu     sync.Mutex
	events []events.SyncEvent
}

func observe(t *testing.T, bus *channel.MemoryBus) *observer {
	t.Helper()
	o := &observer{}
	ch := bus.Channel(roomID)
	_, err := ch.Subscribe(context.Background(), func(ev events.SyncEvent) {
		o.mu.Lock()
		o.events = append(o.events, ev)
		o.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return o
}

func (o *observer) snapshot() []events.SyncEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.SyncEvent(nil), o.events...)
}

func (o *observer) count() int {
	return len(o.snapshot())
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bus := channel.NewMemoryBus()
	obs := observe(t, bus)

	control := newSession(t, bus.Channel(roomID), clock, "control")
	var changes int
	var changesMu sync.Mutex
	control.OnChange(func(State) {
		changesMu.Lock()
		changes++
		changesMu.Unlock()
	})
	require.NoError(t, control.Start(ctx, nil))

	video := page.NewVideo(clock, 0)
	player := newSession(t, bus.Channel(roomID), clock, "player")
	require.NoError(t, player.Start(ctx, withVideo(video)))

	require.Eventually(t, func() bool {
		s := control.State()
		return s.Connected && s.ParticipantCount == 2 && player.State().HasElement
	}, waitFor, tick)
	assert.False(t, control.State().HasElement)
	assert.Equal(t, "none", control.State().LastAction)

	control.Seek(42)
	control.Play()

	require.Eventually(t, func() bool {
		s := control.State()
		return obs.count() == 2 && !video.Paused() && s.IsPlaying && s.LastAction == "play"
	}, waitFor, tick)
	assert.InDelta(t, 42.0, video.CurrentTime(), 1e-9)
	assert.InDelta(t, 42.0, control.State().CurrentTime, 1e-9)

	// The player's own seeked/play echoes stay local
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, obs.count())

	// Heartbeat from the playing element once suppression has lapsed
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		s := player.State()
		return obs.count() == 3 && s.LastAction == "seek"
	}, waitFor, tick)
	hb := obs.snapshot()[2]
	assert.Equal(t, events.ActionSeek, hb.Action)
	assert.Equal(t, "player", hb.OriginID)
	assert.InDelta(t, 43.0, hb.Time, 1e-9)

	// A native pause on the element is broadcast
	clock.Advance(200 * time.Millisecond)
	video.Pause()
	require.Eventually(t, func() bool {
		s := control.State()
		return obs.count() == 4 && !s.IsPlaying && s.LastAction == "pause"
	}, waitFor, tick)
	assert.InDelta(t, 43.2, control.State().CurrentTime, 1e-9)

	changesMu.Lock()
	assert.Positive(t, changes)
	changesMu.Unlock()
}

func TestPresenceCount(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bus := channel.NewMemoryBus()

	var sessions []*Controller
	for _, id := range []string{"a", "b", "c"} {
		s := newSession(t, bus.Channel(roomID), clock, id)
		require.NoError(t, s.Start(ctx, nil))
		sessions = append(sessions, s)
	}

	for _, s := range sessions {
		require.Eventually(t, func() bool { return s.State().ParticipantCount == 3 }, waitFor, tick)
	}

	require.NoError(t, sessions[2].Close())
	for _, s := range sessions[:2] {
		require.Eventually(t, func() bool { return s.State().ParticipantCount == 2 }, waitFor, tick)
	}
}

func TestLocateFailureClosesSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := channel.NewMemoryBus()
	s := newSession(t, bus.Channel(roomID), clock, "player")

	err := s.Start(context.Background(), func(context.Context) (Element, error) {
		return nil, locator.ErrElementNotFound
	})
	require.ErrorIs(t, err, locator.ErrElementNotFound)

	st := s.State()
	assert.False(t, st.Connected)
	assert.Equal(t, channel.StatusClosed, st.Status)
	require.ErrorIs(t, s.Resubscribe(context.Background()), ErrSessionClosed)
}

// flaky lets a test inject a transport error into a memory channel
type flaky struct {
	*channel.Memory

	mu       sync.Mutex
	onStatus channel.StatusHandler
}

func (f *flaky) OnStatus(fn channel.StatusHandler) {
	f.mu.Lock()
	f.onStatus = fn
	f.mu.Unlock()
	f.Memory.OnStatus(fn)
}

func (f *flaky) fail(err error) {
	f.mu.Lock()
	fn := f.onStatus
	f.mu.Unlock()
	fn(channel.StatusErrored, err)
}

func TestChannelErrorDisconnects(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bus := channel.NewMemoryBus()
	ch := &flaky{Memory: bus.Channel(roomID)}

	s := newSession(t, ch, clock, "control")
	require.NoError(t, s.Start(ctx, nil))
	require.Eventually(t, func() bool { return s.State().Connected }, waitFor, tick)

	ch.fail(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		st := s.State()
		return !st.Connected && st.Status == channel.StatusErrored
	}, waitFor, tick)

	// Resubscribing on the same room is safe and reconnects
	require.NoError(t, s.Resubscribe(ctx))
	require.NoError(t, s.Resubscribe(ctx))
	require.Eventually(t, func() bool { return s.State().Connected }, waitFor, tick)
}

func TestCloseIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := channel.NewMemoryBus()
	s := newSession(t, bus.Channel(roomID), clock, "control")
	require.NoError(t, s.Start(context.Background(), nil))
	require.Eventually(t, func() bool { return s.State().ParticipantCount == 1 }, waitFor, tick)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	done := make(chan struct{})
	go func() {
		s.Play()
		s.Signal(syncengine.SignalPause)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controls blocked after Close")
	}

	require.ErrorIs(t, s.Start(context.Background(), nil), ErrSessionClosed)
	assert.False(t, s.State().Connected)
	assert.Empty(t, bus.Members(roomID))
}

func TestZeroEngineConfigUsesDefaults(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := channel.NewMemoryBus()
	obs := observe(t, bus)

	s := New(Config{RoomID: roomID, ParticipantID: "player"}, bus.Channel(roomID), clock)
	t.Cleanup(func() { _ = s.Close() })

	video := page.NewVideo(clock, 0)
	require.NoError(t, s.Start(context.Background(), withVideo(video)))
	require.Eventually(t, func() bool { return s.State().Connected && s.State().HasElement }, waitFor, tick)

	s.Play()
	require.Eventually(t, func() bool { return obs.count() == 1 && !video.Paused() }, waitFor, tick)

	// heartbeat ticker runs on the default one second interval
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return obs.count() == 2 }, waitFor, tick)
	assert.Equal(t, events.ActionSeek, obs.snapshot()[1].Action)
}

func TestCloseDuringPick(t *testing.T) {
	tests := []struct {
		name string
		// honorsCancel locates like pick mode; otherwise the pick resolves
		// only after the session has closed
		honorsCancel bool
	}{
		{name: "pick cancelled", honorsCancel: true},
		{name: "pick resolves after close", honorsCancel: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			bus := channel.NewMemoryBus()
			s := newSession(t, bus.Channel(roomID), clock, "player")

			picking := make(chan struct{})
			clicked := make(chan struct{})
			video := page.NewVideo(clock, 0)
			locate := func(ctx context.Context) (Element, error) {
				close(picking)
				if tt.honorsCancel {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				<-clicked
				return video, nil
			}

			result := make(chan error, 1)
			go func() { result <- s.Start(context.Background(), locate) }()

			<-picking
			require.Eventually(t, func() bool { return s.State().ParticipantCount == 1 }, waitFor, tick)
			require.NoError(t, s.Close())
			if !tt.honorsCancel {
				close(clicked)
			}

			select {
			case err := <-result:
				require.ErrorIs(t, err, ErrSessionClosed)
			case <-time.After(waitFor):
				t.Fatal("Start still blocked after Close")
			}

			st := s.State()
			assert.Equal(t, channel.StatusClosed, st.Status)
			assert.False(t, st.HasElement)
			assert.Empty(t, bus.Members(roomID))
		})
	}
}
