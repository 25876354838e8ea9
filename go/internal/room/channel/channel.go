// Package channel adapts room-keyed publish/subscribe transports to the contract the
// sync engine relies on: broadcast with self-delivery, full-snapshot presence and a
// connection status feed.
package channel

import (
	"context"
	"errors"

	"github.com/mcdev12/syncparty/go/internal/room/events"
)

var (
	// ErrChannelClosed is returned by operations on a channel after Close
	ErrChannelClosed = errors.New("channel closed")
	// ErrNotSubscribed is returned when an operation needs a live subscription
	ErrNotSubscribed = errors.New("channel not subscribed")
)

// Status is the connection state of a channel
type Status int

const (
	StatusConnecting Status = iota
	StatusSubscribed
	StatusErrored
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusErrored:
		return "CHANNEL_ERROR"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type (
	// EventHandler receives decoded sync events in receipt order
	EventHandler func(events.SyncEvent)
	// PresenceHandler receives the full membership snapshot on every change
	PresenceHandler func(events.Members)
	// StatusHandler receives status transitions; err is set for StatusErrored
	StatusHandler func(Status, error)
)

// Channel is a room's pub/sub channel. Publish never blocks beyond the transport's
// buffering and never reports failure synchronously; failures surface through the
// status handler. A participant receives its own published events back.
type Channel interface {
	RoomID() string
	Publish(ev events.SyncEvent)
	// Subscribe registers onEvent, replacing any previous subscription. Calling it again
	// after an error is safe and re-establishes delivery.
	Subscribe(ctx context.Context, onEvent EventHandler) (Subscription, error)
	Track(ctx context.Context, p events.Presence) error
	Untrack(ctx context.Context, participantID string) error
	Presence() events.Members
	OnPresence(fn PresenceHandler)
	OnStatus(fn StatusHandler)
	Status() Status
	Close() error
}

// Subscription is the handle returned by Subscribe. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}
