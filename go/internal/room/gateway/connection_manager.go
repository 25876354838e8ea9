package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncparty/go/internal/room/channel"
	"github.com/mcdev12/syncparty/go/internal/room/events"
)

// ConnectionManager manages WebSocket connections grouped by room. Each active room
// is backed by one room channel; every event the backend delivers is fanned out to
// all of the room's connections, the sender included.
type ConnectionManager struct {
	rooms map[string]*room
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	backend  Backend

	broadcastCh chan BroadcastMessage
}

// Connection represents a WebSocket connection to a participant
type Connection struct {
	ID            string
	ParticipantID string
	RoomID        string
	Conn          *websocket.Conn
	Send          chan []byte
	Manager       *ConnectionManager

	ConnectedAt time.Time

	mu      sync.Mutex
	tracked map[string]bool
	gone    bool
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is an encoded frame for every connection in a room
type BroadcastMessage struct {
	RoomID string
	Data   []byte
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// room is one active room on this gateway
type room struct {
	id  string
	ch  channel.Channel
	sub channel.Subscription

	connections map[*Connection]bool
	pending     int // upgrades in flight

	stateMu sync.Mutex
	state   events.RoomState
}

func (r *room) apply(ev events.SyncEvent) {
	r.stateMu.Lock()
	r.state = r.state.Apply(ev)
	r.stateMu.Unlock()
}

func (r *room) setMembers(m events.Members) {
	r.stateMu.Lock()
	r.state = r.state.WithPresence(m)
	r.stateMu.Unlock()
}

func (r *room) snapshot() events.RoomState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// NewConnectionManager creates a connection manager over backend
func NewConnectionManager(config ConnectionConfig, backend Backend) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &ConnectionManager{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		backend:     backend,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcasts until ctx is done, then closes every room
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeRooms()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection opens the room if needed and upgrades the HTTP connection
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participantID, roomID string) error {
	rm, err := cm.openRoom(r.Context(), roomID)
	if err != nil {
		http.Error(w, "room backend unavailable", http.StatusServiceUnavailable)
		return err
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.abandon(rm)
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		RoomID:        roomID,
		Conn:          conn,
		Send:          make(chan []byte, cm.config.SendBufferSize),
		Manager:       cm,
		ConnectedAt:   time.Now(),
		tracked:       make(map[string]bool),
	}

	// the new connection starts from the current snapshot
	if data, err := json.Marshal(channel.PresenceFrame(rm.ch.Presence())); err == nil {
		connection.Send <- data
	}
	cm.registerConnection(rm, connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("participant_id", participantID).
		Str("room_id", roomID).
		Msg("WebSocket connection established")

	return nil
}

// openRoom returns the active room, opening its backend channel on first use. The
// room stays open until the caller registers a connection or abandons it.
func (cm *ConnectionManager) openRoom(ctx context.Context, roomID string) (*room, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if rm, ok := cm.rooms[roomID]; ok {
		rm.pending++
		return rm, nil
	}

	ch, err := cm.backend(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to open room %s: %w", roomID, err)
	}

	rm := &room{
		id:          roomID,
		ch:          ch,
		connections: make(map[*Connection]bool),
	}
	ch.OnPresence(func(m events.Members) {
		rm.setMembers(m)
		cm.broadcastFrame(roomID, channel.PresenceFrame(m))
	})
	ch.OnStatus(func(s channel.Status, err error) {
		if s == channel.StatusErrored {
			log.Warn().Err(err).Str("room_id", roomID).Msg("room backend errored")
		}
	})

	sub, err := ch.Subscribe(ctx, func(ev events.SyncEvent) {
		rm.apply(ev)
		data, err := events.Encode(ev)
		if err != nil {
			return
		}
		cm.broadcastFrame(roomID, channel.SyncFrame(data))
	})
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", roomID, err)
	}
	rm.sub = sub
	rm.pending = 1
	rm.setMembers(ch.Presence())
	cm.rooms[roomID] = rm

	log.Info().Str("room_id", roomID).Msg("room opened")
	return rm, nil
}

// releaseRoom closes a room that has no connections left
func (cm *ConnectionManager) releaseRoom(roomID string) {
	cm.mu.Lock()
	rm, ok := cm.rooms[roomID]
	if !ok || len(rm.connections) > 0 || rm.pending > 0 {
		cm.mu.Unlock()
		return
	}
	delete(cm.rooms, roomID)
	cm.mu.Unlock()

	cm.closeRoom(rm)
}

// abandon gives up a pending upgrade
func (cm *ConnectionManager) abandon(rm *room) {
	cm.mu.Lock()
	rm.pending--
	cm.mu.Unlock()
	cm.releaseRoom(rm.id)
}

func (cm *ConnectionManager) closeRoom(rm *room) {
	if rm.sub != nil {
		_ = rm.sub.Unsubscribe()
	}
	if err := rm.ch.Close(); err != nil {
		log.Warn().Err(err).Str("room_id", rm.id).Msg("failed to close room channel")
	}
	log.Info().Str("room_id", rm.id).Msg("room closed")
}

func (cm *ConnectionManager) closeRooms() {
	cm.mu.Lock()
	rooms := cm.rooms
	cm.rooms = make(map[string]*room)
	cm.mu.Unlock()

	for _, rm := range rooms {
		for conn := range rm.connections {
			close(conn.Send)
		}
		cm.closeRoom(rm)
	}
}

func (cm *ConnectionManager) lookup(roomID string) (*room, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	rm, ok := cm.rooms[roomID]
	return rm, ok
}

// registerConnection adds a connection to its room
func (cm *ConnectionManager) registerConnection(rm *room, conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	rm.pending--
	rm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("total_connections", len(rm.connections)).
		Msg("connection registered")
}

// unregisterConnection removes a connection, untracks everything it tracked and
// closes the room once it is empty
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	rm, exists := cm.rooms[conn.RoomID]
	if !exists || !rm.connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(rm.connections, conn)
	close(conn.Send)
	cm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.WriteTimeout)
	defer cancel()
	for _, id := range conn.detach() {
		if err := rm.ch.Untrack(ctx, id); err != nil {
			log.Warn().Err(err).Str("room_id", conn.RoomID).Str("participant_id", id).Msg("failed to untrack on disconnect")
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("participant_id", conn.ParticipantID).
		Str("room_id", conn.RoomID).
		Msg("connection unregistered")

	cm.releaseRoom(conn.RoomID)
}

func (cm *ConnectionManager) broadcastFrame(roomID string, f channel.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame for broadcast")
		return
	}
	cm.BroadcastToRoom(roomID, data)
}

// BroadcastToRoom queues an encoded frame for every connection in a room
func (cm *ConnectionManager) BroadcastToRoom(roomID string, data []byte) {
	select {
	case cm.broadcastCh <- BroadcastMessage{RoomID: roomID, Data: data}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast delivers a message to every connection of its room
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	// Send is only closed under the write lock, so non-blocking sends are safe here
	cm.mu.RLock()
	rm, exists := cm.rooms[message.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	var slow []*Connection
	for conn := range rm.connections {
		select {
		case conn.Send <- message.Data:
		default:
			slow = append(slow, conn)
		}
	}
	delivered := len(rm.connections) - len(slow)
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("participant_id", conn.ParticipantID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("room_id", message.RoomID).
		Int("connections", delivered).
		Msg("frame broadcasted")
}

// ConnectionStats summarizes active rooms
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveRooms:     len(cm.rooms),
		RoomConnections: make(map[string]int, len(cm.rooms)),
	}
	for id, rm := range cm.rooms {
		stats.TotalConnections += len(rm.connections)
		stats.RoomConnections[id] = len(rm.connections)
	}
	return stats
}

// own records id as tracked by this connection unless it has unregistered
func (c *Connection) own(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return false
	}
	c.tracked[id] = true
	return true
}

func (c *Connection) disown(id string) {
	c.mu.Lock()
	delete(c.tracked, id)
	c.mu.Unlock()
}

func (c *Connection) detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone
}

// detach marks the connection unregistered and returns the ids it tracked
func (c *Connection) detach() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = true
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	return ids
}
