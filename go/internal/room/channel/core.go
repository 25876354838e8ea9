package channel

import (
	"sync"

	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/rs/zerolog/log"
)

// core holds the transport-independent half of a channel: handler registration,
// status transitions, the presence snapshot and decoding of inbound payloads.
type core struct {
	roomID string

	mu         sync.Mutex
	onEvent    EventHandler
	onPresence PresenceHandler
	onStatus   StatusHandler
	status     Status
	members    events.Members
	tracked    map[string]events.Presence
	gen        uint64
	closed     bool
}

func newCore(roomID string) *core {
	return &core{
		roomID:  roomID,
		status:  StatusClosed,
		members: make(events.Members),
		tracked: make(map[string]events.Presence),
	}
}

func (c *core) RoomID() string {
	return c.roomID
}

func (c *core) OnPresence(fn PresenceHandler) {
	c.mu.Lock()
	c.onPresence = fn
	c.mu.Unlock()
}

func (c *core) OnStatus(fn StatusHandler) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *core) Presence() events.Members {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members.Clone()
}

func (c *core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// bind installs a new event handler and returns its generation. Deliveries tagged
// with an older generation are discarded.
func (c *core) bind(fn EventHandler) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrChannelClosed
	}
	c.gen++
	c.onEvent = fn
	return c.gen, nil
}

// unbind drops the handler if gen is still current
func (c *core) unbind(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.onEvent == nil {
		return false
	}
	c.onEvent = nil
	return true
}

func (c *core) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.onEvent != nil
}

// deliver decodes a payload and hands it to the handler bound at gen. Malformed
// payloads are dropped here so no handler ever sees them.
func (c *core) deliver(gen uint64, data []byte) {
	ev, err := events.Decode(data)
	if err != nil {
		log.Debug().
			Err(err).
			Str("room_id", c.roomID).
			Int("size", len(data)).
			Msg("dropping malformed sync event")
		return
	}

	c.mu.Lock()
	fn := c.onEvent
	live := c.gen == gen
	c.mu.Unlock()

	if fn != nil && live {
		fn(ev)
	}
}

// setStatus records a status and notifies only on transitions
func (c *core) setStatus(s Status, err error) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()

	ev := log.Debug()
	if s == StatusErrored {
		ev = log.Error().Err(err)
	}
	ev.Str("room_id", c.roomID).Str("status", s.String()).Msg("channel status changed")

	if fn != nil {
		fn(s, err)
	}
}

// setMembers replaces the snapshot and notifies the presence handler
func (c *core) setMembers(m events.Members) {
	c.mu.Lock()
	c.members = m.Clone()
	fn := c.onPresence
	snapshot := c.members.Clone()
	c.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (c *core) remember(p events.Presence) {
	c.mu.Lock()
	c.tracked[p.ParticipantID] = p
	c.mu.Unlock()
}

// rememberOpen records p unless the channel is already closed
func (c *core) rememberOpen(p events.Presence) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.tracked[p.ParticipantID] = p
	return true
}

func (c *core) forget(participantID string) {
	c.mu.Lock()
	delete(c.tracked, participantID)
	c.mu.Unlock()
}

func (c *core) trackedPresences() []events.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Presence, 0, len(c.tracked))
	for _, p := range c.tracked {
		out = append(out, p)
	}
	return out
}

// markClosed flips the closed flag once and reports whether this call did it
func (c *core) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.onEvent = nil
	return true
}

// subscription adapts an unsubscribe func into an idempotent Subscription
type subscription struct {
	once sync.Once
	fn   func() error
	err  error
}

func newSubscription(fn func() error) *subscription {
	return &subscription{fn: fn}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.fn()
	})
	return s.err
}
