package page

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/syncparty/go/internal/syncengine"
)

// TimeUpdateInterval is how often a playing element fires timeupdate
const TimeUpdateInterval = 250 * time.Millisecond

// Video is a virtual media element. Its position advances with the clock while
// playing, and every state change fires the matching signal synchronously.
type Video struct {
	clock    clockwork.Clock
	duration float64

	mu       sync.Mutex
	position float64
	anchor   time.Time
	paused   bool
	blocked  bool
	handlers []func(syncengine.Signal)
}

// NewVideo creates a paused element at position zero. A zero duration is unbounded.
func NewVideo(clock clockwork.Clock, duration float64) *Video {
	return &Video{
		clock:    clock,
		duration: duration,
		paused:   true,
	}
}

// OnSignal registers a listener for native signals
func (v *Video) OnSignal(fn func(syncengine.Signal)) {
	v.mu.Lock()
	v.handlers = append(v.handlers, fn)
	v.mu.Unlock()
}

// SetAutoplayBlocked makes Play fail, as a browser autoplay policy would
func (v *Video) SetAutoplayBlocked(blocked bool) {
	v.mu.Lock()
	v.blocked = blocked
	v.mu.Unlock()
}

func (v *Video) CurrentTime() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *Video) positionLocked() float64 {
	pos := v.position
	if !v.paused {
		pos += v.clock.Since(v.anchor).Seconds()
	}
	if v.duration > 0 && pos > v.duration {
		pos = v.duration
	}
	return pos
}

func (v *Video) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *Video) SetCurrentTime(t float64) {
	v.mu.Lock()
	if t < 0 {
		t = 0
	}
	if v.duration > 0 && t > v.duration {
		t = v.duration
	}
	v.position = t
	v.anchor = v.clock.Now()
	v.mu.Unlock()

	v.fire(syncengine.SignalSeeked)
}

func (v *Video) Play() error {
	v.mu.Lock()
	if v.blocked {
		v.mu.Unlock()
		return fmt.Errorf("play() rejected by autoplay policy: %w", syncengine.ErrPlaybackBlocked)
	}
	if !v.paused {
		v.mu.Unlock()
		return nil
	}
	v.paused = false
	v.anchor = v.clock.Now()
	v.mu.Unlock()

	v.fire(syncengine.SignalPlay)
	return nil
}

func (v *Video) Pause() {
	v.mu.Lock()
	if v.paused {
		v.mu.Unlock()
		return
	}
	v.position = v.positionLocked()
	v.paused = true
	v.mu.Unlock()

	v.fire(syncengine.SignalPause)
}

func (v *Video) fire(sig syncengine.Signal) {
	v.mu.Lock()
	handlers := append([]func(syncengine.Signal){}, v.handlers...)
	v.mu.Unlock()

	for _, fn := range handlers {
		fn(sig)
	}
}

// Run fires timeupdate while the element is playing until ctx is done
func (v *Video) Run(ctx context.Context) {
	ticker := v.clock.NewTicker(TimeUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !v.Paused() {
				v.fire(syncengine.SignalTimeUpdate)
			}
		}
	}
}
