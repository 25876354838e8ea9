// Package locator finds the one playable media element on a page: a quick scan
// first, then a pick mode that waits for the user to click the element.
package locator

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrElementNotFound is returned when the user's pick contains no playable element
var ErrElementNotFound = errors.New("element not found")

// PickMessage is shown on the pick overlay
const PickMessage = "Could not find a video automatically. Please click on the video you want to sync."

// Node is an element of the page
type Node interface {
	ID() string
	Playable() bool
	// PlayableDescendant returns the first playable descendant in document order
	PlayableDescendant() (Node, bool)
}

// ClickEvent is a click observed during the capture phase
type ClickEvent interface {
	Target() Node
	PreventDefault()
	StopPropagation()
}

// Overlay is a full-viewport modal
type Overlay interface {
	Remove()
}

// Document is the page the locator searches
type Document interface {
	// PlayableElements returns every playable element in document order
	PlayableElements() []Node
	ShowOverlay(message string) Overlay
	// InterceptClicks installs a capturing click listener and returns its remover
	InterceptClicks(fn func(ClickEvent)) (remove func())
}

// State is the locator's position in its state machine
type State int

const (
	StateIdle State = iota
	StateScanning
	StateAwaitingPick
	StateResolved
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateAwaitingPick:
		return "awaiting_pick"
	case StateResolved:
		return "resolved"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateResolved || s == StateAborted
}

// Locator runs one location attempt against a document
type Locator struct {
	doc Document

	mu      sync.Mutex
	state   State
	onState func(State)
}

// New creates a locator for doc
func New(doc Document) *Locator {
	return &Locator{doc: doc}
}

// OnStateChange registers a callback for every transition
func (l *Locator) OnStateChange(fn func(State)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// State returns the current state
func (l *Locator) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Locator) transition(s State) {
	l.mu.Lock()
	l.state = s
	fn := l.onState
	l.mu.Unlock()

	log.Debug().Str("state", s.String()).Msg("locator state changed")
	if fn != nil {
		fn(s)
	}
}

// Locate resolves the media element. Pick mode has no timeout; it ends on the first
// click or when ctx is cancelled. A pick that yields nothing playable returns
// ErrElementNotFound and is not retried.
func (l *Locator) Locate(ctx context.Context) (Node, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil, errors.New("locator already used")
	}
	l.mu.Unlock()

	l.transition(StateScanning)
	if nodes := l.doc.PlayableElements(); len(nodes) > 0 {
		if len(nodes) > 1 {
			log.Warn().
				Int("count", len(nodes)).
				Str("element_id", nodes[0].ID()).
				Msg("several playable elements found, using the first")
		}
		log.Info().Str("element_id", nodes[0].ID()).Msg("found playable element")
		l.transition(StateResolved)
		return nodes[0], nil
	}

	log.Info().Msg("no playable element found, entering pick mode")
	return l.pick(ctx)
}

func (l *Locator) pick(ctx context.Context) (Node, error) {
	l.transition(StateAwaitingPick)

	overlay := l.doc.ShowOverlay(PickMessage)
	clicks := make(chan ClickEvent, 1)
	remove := l.doc.InterceptClicks(func(ev ClickEvent) {
		ev.PreventDefault()
		ev.StopPropagation()
		select {
		case clicks <- ev:
		default:
		}
	})

	var ev ClickEvent
	select {
	case ev = <-clicks:
	case <-ctx.Done():
		remove()
		overlay.Remove()
		l.transition(StateAborted)
		return nil, ctx.Err()
	}
	remove()
	overlay.Remove()

	target := ev.Target()
	if target != nil {
		if target.Playable() {
			log.Info().Str("element_id", target.ID()).Msg("element picked")
			l.transition(StateResolved)
			return target, nil
		}
		if nested, ok := target.PlayableDescendant(); ok {
			log.Info().
				Str("element_id", nested.ID()).
				Str("clicked_id", target.ID()).
				Msg("element picked from descendant")
			l.transition(StateResolved)
			return nested, nil
		}
	}

	log.Error().Msg("picked element is not playable, aborting")
	l.transition(StateAborted)
	return nil, ErrElementNotFound
}
