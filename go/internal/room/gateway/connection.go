package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncparty/go/internal/room/channel"
	"github.com/mcdev12/syncparty/go/internal/room/events"
)

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading frames from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes a frame received from the participant
func (c *Connection) handleClientMessage(message []byte) {
	var f channel.Frame
	if err := json.Unmarshal(message, &f); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping unreadable frame")
		return
	}

	rm, ok := c.Manager.lookup(c.RoomID)
	if !ok {
		return
	}

	switch f.Type {
	case channel.FrameSync:
		ev, err := events.Decode(f.Event)
		if err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", c.ID).
				Str("room_id", c.RoomID).
				Msg("dropping malformed sync event")
			return
		}
		rm.ch.Publish(ev)

	case channel.FrameTrack:
		if f.Presence == nil || f.Presence.ParticipantID == "" {
			return
		}
		id := f.Presence.ParticipantID
		if !c.own(id) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.WriteTimeout)
		defer cancel()
		if err := rm.ch.Track(ctx, *f.Presence); err != nil {
			log.Warn().Err(err).Str("room_id", c.RoomID).Msg("failed to track presence")
			c.disown(id)
			return
		}
		// the connection may have unregistered while Track was in flight
		if c.detached() {
			if err := rm.ch.Untrack(ctx, id); err != nil && !errors.Is(err, channel.ErrChannelClosed) {
				log.Warn().Err(err).Str("room_id", c.RoomID).Str("participant_id", id).Msg("failed to untrack after disconnect")
			}
		}

	case channel.FrameUntrack:
		if f.ParticipantID == "" {
			return
		}
		c.mu.Lock()
		owned := c.tracked[f.ParticipantID]
		delete(c.tracked, f.ParticipantID)
		c.mu.Unlock()
		if !owned {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.WriteTimeout)
		defer cancel()
		if err := rm.ch.Untrack(ctx, f.ParticipantID); err != nil {
			log.Warn().Err(err).Str("room_id", c.RoomID).Msg("failed to untrack presence")
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(f.Type)).
			Msg("ignoring client frame")
	}
}
