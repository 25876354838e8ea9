// Package session ties one participant's media element to a room channel. All
// engine work runs on a single loop goroutine fed by one inbox, so channel
// callbacks, native signals, UI controls and heartbeats are serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncparty/go/internal/room/channel"
	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/mcdev12/syncparty/go/internal/syncengine"
)

// ErrSessionClosed is returned by operations after Close
var ErrSessionClosed = errors.New("session closed")

const inboxSize = 256

// Element is a located media element that reports native signals
type Element interface {
	syncengine.Media
	OnSignal(fn func(syncengine.Signal))
}

// LocateFunc resolves the session's media element. A nil LocateFunc runs the
// session relay-only.
type LocateFunc func(ctx context.Context) (Element, error)

// Config configures a session
type Config struct {
	RoomID        string
	ParticipantID string
	Engine        syncengine.Config
}

// State is the snapshot exposed to UIs
type State struct {
	RoomID           string
	ParticipantID    string
	Connected        bool
	Status           channel.Status
	ParticipantCount int
	IsPlaying        bool
	CurrentTime      float64
	LastAction       string
	HasElement       bool
}

// Controller owns a room channel and the sync engine for one participant
type Controller struct {
	config Config
	clock  clockwork.Clock
	ch     channel.Channel
	engine *syncengine.Engine

	inbox chan func()
	done  chan struct{}

	// loop-owned
	status channel.Status

	mu       sync.Mutex
	snapshot State
	onChange func(State)
	sub      channel.Subscription
	started  bool
	closed   bool
	cancel   context.CancelFunc
	presence events.Presence

	closeOnce sync.Once
}

// New creates a controller. It takes ownership of ch and closes it on Close.
func New(config Config, ch channel.Channel, clock clockwork.Clock) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	config.Engine.ParticipantID = config.ParticipantID

	c := &Controller{
		config: config,
		clock:  clock,
		ch:     ch,
		inbox:  make(chan func(), inboxSize),
		done:   make(chan struct{}),
		status: channel.StatusClosed,
	}
	c.engine = syncengine.New(config.Engine, clock, ch.Publish)
	c.config.Engine = c.engine.Config()
	c.snapshot = c.buildState()
	return c
}

// OnChange registers a callback invoked on the loop goroutine whenever State
// changes. The callback must not call Close.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns the latest snapshot
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Start subscribes to the room and then resolves the media element. A subscribe
// failure leaves the session running in CHANNEL_ERROR so the caller may Resubscribe;
// a locate failure closes the session.
func (c *Controller) Start(ctx context.Context, locate LocateFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("session already started")
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.presence = events.NewPresence(c.config.ParticipantID, c.clock.Now())
	c.mu.Unlock()

	go c.run(loopCtx)

	c.ch.OnStatus(func(s channel.Status, err error) {
		c.post(func() { c.status = s })
		if s == channel.StatusSubscribed {
			go c.track(loopCtx)
		}
	})
	c.ch.OnPresence(func(m events.Members) {
		c.post(func() { c.engine.HandlePresence(m) })
	})

	log.Info().
		Str("room_id", c.config.RoomID).
		Str("participant_id", c.config.ParticipantID).
		Msg("starting session")

	subErr := c.Resubscribe(ctx)
	if subErr != nil {
		log.Error().Err(subErr).Str("room_id", c.config.RoomID).Msg("initial subscribe failed")
		c.post(func() { c.status = channel.StatusErrored })
	}

	if locate == nil {
		log.Info().Str("room_id", c.config.RoomID).Msg("no media element, relaying only")
		return subErr
	}

	// Close ends an in-flight pick as well as the loop
	locateCtx, cancelLocate := context.WithCancel(ctx)
	defer cancelLocate()
	stop := context.AfterFunc(loopCtx, cancelLocate)
	defer stop()

	el, err := locate(locateCtx)
	if c.isClosed() {
		return ErrSessionClosed
	}
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to locate media element: %w", err)
	}

	bound := make(chan struct{})
	c.post(func() {
		el.OnSignal(c.Signal)
		c.engine.Bind(el)
		close(bound)
	})
	select {
	case <-bound:
		return subErr
	case <-c.done:
		return ErrSessionClosed
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Resubscribe (re)establishes the room subscription, replacing the previous one
func (c *Controller) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.mu.Unlock()

	sub, err := c.ch.Subscribe(ctx, func(ev events.SyncEvent) {
		c.post(func() { c.engine.HandleInbound(ev) })
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to room %s: %w", c.config.RoomID, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Controller) track(ctx context.Context) {
	c.mu.Lock()
	p := c.presence
	c.mu.Unlock()

	if err := c.ch.Track(ctx, p); err != nil && !errors.Is(err, channel.ErrChannelClosed) {
		log.Warn().
			Err(err).
			Str("room_id", c.config.RoomID).
			Str("participant_id", p.ParticipantID).
			Msg("failed to track presence")
	}
}

// Signal feeds a native media signal into the session. It never blocks; a signal
// arriving while the inbox is full is dropped.
func (c *Controller) Signal(sig syncengine.Signal) {
	select {
	case <-c.done:
	case c.inbox <- func() { c.engine.HandleSignal(sig) }:
	default:
		log.Warn().Str("signal", sig.String()).Msg("session inbox full, dropping signal")
	}
}

// Play, Pause, Seek and SeekBy are the UI controls

func (c *Controller) Play() { c.post(c.engine.Play) }

func (c *Controller) Pause() { c.post(c.engine.Pause) }

func (c *Controller) Seek(t float64) { c.post(func() { c.engine.Seek(t) }) }

func (c *Controller) SeekBy(delta float64) { c.post(func() { c.engine.SeekBy(delta) }) }

// post queues fn on the loop, dropping it once the session has stopped
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	ticker := c.clock.NewTicker(c.config.Engine.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.inbox:
			fn()
		case <-ticker.Chan():
			c.engine.Tick()
		}
		c.publishState()
	}
}

func (c *Controller) buildState() State {
	rs := c.engine.State()
	return State{
		RoomID:           c.config.RoomID,
		ParticipantID:    c.config.ParticipantID,
		Connected:        c.status == channel.StatusSubscribed,
		Status:           c.status,
		ParticipantCount: rs.ParticipantCount,
		IsPlaying:        rs.IsPlaying,
		CurrentTime:      rs.CurrentTime,
		LastAction:       rs.LastActionLabel(),
		HasElement:       c.engine.HasMedia(),
	}
}

func (c *Controller) publishState() {
	next := c.buildState()

	c.mu.Lock()
	if next == c.snapshot {
		c.mu.Unlock()
		return
	}
	c.snapshot = next
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

// Close unsubscribes, stops the loop and closes the channel. It is idempotent.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sub := c.sub
		c.sub = nil
		cancel := c.cancel
		started := c.started
		c.onChange = nil
		c.mu.Unlock()

		if sub != nil {
			err = sub.Unsubscribe()
		}
		if cancel != nil {
			cancel()
		}
		if started {
			<-c.done
		}
		if cerr := c.ch.Close(); cerr != nil && err == nil {
			err = cerr
		}

		c.mu.Lock()
		c.snapshot.Connected = false
		c.snapshot.Status = channel.StatusClosed
		c.mu.Unlock()

		log.Info().
			Str("room_id", c.config.RoomID).
			Str("participant_id", c.config.ParticipantID).
			Msg("session closed")
	})
	return err
}
