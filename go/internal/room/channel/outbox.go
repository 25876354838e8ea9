package channel

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultOutboxSize bounds how many encoded messages may wait for the transport
const DefaultOutboxSize = 256

// outbox decouples Publish from the transport. A single writer goroutine drains it so
// per-sender ordering is kept; a full outbox drops rather than blocks.
type outbox struct {
	roomID string
	ch     chan []byte
	send   func(ctx context.Context, data []byte) error
	onErr  func(error)

	once sync.Once
	stop chan struct{}
}

func newOutbox(roomID string, size int, send func(context.Context, []byte) error, onErr func(error)) *outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &outbox{
		roomID: roomID,
		ch:     make(chan []byte, size),
		send:   send,
		onErr:  onErr,
		stop:   make(chan struct{}),
	}
}

func (o *outbox) enqueue(data []byte) bool {
	select {
	case <-o.stop:
		return false
	default:
	}

	select {
	case o.ch <- data:
		return true
	default:
		log.Warn().Str("room_id", o.roomID).Msg("outbox full, dropping message")
		return false
	}
}

func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case data := <-o.ch:
			if err := o.send(ctx, data); err != nil {
				log.Error().Err(err).Str("room_id", o.roomID).Msg("failed to send message")
				if o.onErr != nil {
					o.onErr(err)
				}
			}
		}
	}
}

// close stops the writer without waiting for queued messages; sends are lossy on teardown
func (o *outbox) close() {
	o.once.Do(func() {
		close(o.stop)
	})
}
