package channel

import (
	"context"
	"sync"

	"github.com/mcdev12/syncparty/go/internal/room/events"
	"github.com/rs/zerolog/log"
)

const memoryQueueSize = 1024

// MemoryBus is an in-process transport. Every room channel opened on the same bus
// shares delivery and presence, which makes it the backend for single-node gateways
// and for tests.
type MemoryBus struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	subscribers map[*Memory]uint64
	members     events.Members
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		rooms: make(map[string]*memoryRoom),
	}
}

// Channel opens a channel for roomID on the bus
func (b *MemoryBus) Channel(roomID string) *Memory {
	m := &Memory{
		core:  newCore(roomID),
		bus:   b,
		queue: make(chan func(), memoryQueueSize),
		stop:  make(chan struct{}),
	}
	go m.loop()
	return m
}

// Broadcast delivers a raw payload to every subscriber of roomID, including the sender
func (b *MemoryBus) Broadcast(roomID string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[roomID]
	if !ok {
		return
	}
	for ch, gen := range room.subscribers {
		ch, gen := ch, gen
		ch.post(func() { ch.deliver(gen, data) })
	}
}

// Members returns the presence snapshot for roomID
func (b *MemoryBus) Members(roomID string) events.Members {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room, ok := b.rooms[roomID]; ok {
		return room.members.Clone()
	}
	return events.Members{}
}

func (b *MemoryBus) room(roomID string) *memoryRoom {
	room, ok := b.rooms[roomID]
	if !ok {
		room = &memoryRoom{
			subscribers: make(map[*Memory]uint64),
			members:     make(events.Members),
		}
		b.rooms[roomID] = room
	}
	return room
}

func (b *MemoryBus) join(m *Memory, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.room(m.roomID)
	room.subscribers[m] = gen
	snapshot := room.members.Clone()
	m.post(func() { m.setMembers(snapshot) })
}

func (b *MemoryBus) leave(m *Memory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[m.roomID]
	if !ok {
		return
	}
	delete(room.subscribers, m)
	b.gc(m.roomID, room)
}

func (b *MemoryBus) track(roomID string, p events.Presence) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.room(roomID)
	room.members[p.ParticipantID] = p
	b.notifyPresence(room)
}

func (b *MemoryBus) untrack(roomID, participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := room.members[participantID]; !ok {
		return
	}
	delete(room.members, participantID)
	b.notifyPresence(room)
	b.gc(roomID, room)
}

// notifyPresence must be called with b.mu held
func (b *MemoryBus) notifyPresence(room *memoryRoom) {
	for ch := range room.subscribers {
		ch := ch
		snapshot := room.members.Clone()
		ch.post(func() { ch.setMembers(snapshot) })
	}
}

// gc must be called with b.mu held
func (b *MemoryBus) gc(roomID string, room *memoryRoom) {
	if len(room.subscribers) == 0 && len(room.members) == 0 {
		delete(b.rooms, roomID)
	}
}

// Memory is a channel on a MemoryBus. Deliveries run on a per-channel goroutine so
// the handler sees events in the order the bus broadcast them.
type Memory struct {
	*core
	bus *MemoryBus

	queue    chan func()
	stop     chan struct{}
	stopOnce sync.Once
}

var _ Channel = (*Memory)(nil)

func (m *Memory) loop() {
	for {
		select {
		case fn := <-m.queue:
			fn()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) post(fn func()) {
	select {
	case m.queue <- fn:
	default:
		log.Warn().Str("room_id", m.roomID).Msg("memory channel queue full, dropping delivery")
	}
}

// Publish broadcasts ev to the room
func (m *Memory) Publish(ev events.SyncEvent) {
	if m.isClosed() {
		return
	}
	data, err := events.Encode(ev)
	if err != nil {
		log.Warn().Err(err).Str("room_id", m.roomID).Msg("refusing to publish invalid event")
		return
	}
	m.bus.Broadcast(m.roomID, data)
}

// Subscribe joins the room on the bus. Unsubscribing leaves the room and drops
// every presence the channel tracked.
func (m *Memory) Subscribe(ctx context.Context, onEvent EventHandler) (Subscription, error) {
	gen, err := m.bind(onEvent)
	if err != nil {
		return nil, err
	}

	m.setStatus(StatusConnecting, nil)
	m.bus.join(m, gen)
	m.setStatus(StatusSubscribed, nil)

	return newSubscription(func() error {
		if !m.unbind(gen) {
			return nil
		}
		m.bus.leave(m)
		m.untrackAll()
		m.setStatus(StatusClosed, nil)
		return nil
	}), nil
}

// Track adds p to the room's presence
func (m *Memory) Track(ctx context.Context, p events.Presence) error {
	if !m.rememberOpen(p) {
		return ErrChannelClosed
	}
	m.bus.track(m.roomID, p)
	if m.isClosed() {
		// Close ran between remembering and tracking
		m.bus.untrack(m.roomID, p.ParticipantID)
		return ErrChannelClosed
	}
	return nil
}

// Untrack removes a participant from the room's presence
func (m *Memory) Untrack(ctx context.Context, participantID string) error {
	if m.isClosed() {
		return ErrChannelClosed
	}
	m.forget(participantID)
	m.bus.untrack(m.roomID, participantID)
	return nil
}

// untrackAll drops every presence this channel tracked
func (m *Memory) untrackAll() {
	for _, p := range m.trackedPresences() {
		m.forget(p.ParticipantID)
		m.bus.untrack(m.roomID, p.ParticipantID)
	}
}

// Close leaves the room and drops everything this channel tracked
func (m *Memory) Close() error {
	if !m.markClosed() {
		return nil
	}
	m.bus.leave(m)
	m.untrackAll()
	m.stopOnce.Do(func() { close(m.stop) })
	m.setStatus(StatusClosed, nil)
	return nil
}
