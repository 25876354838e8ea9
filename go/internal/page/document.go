// Package page is an in-memory page model: a node tree loaded from a YAML fixture,
// with capture-phase click dispatch and overlays, and virtual media elements
// driven by a clock.
package page

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/syncparty/go/internal/locator"
)

// Node is one element of the page tree
type Node struct {
	NodeID   string  `yaml:"id"`
	Tag      string  `yaml:"tag"`
	Children []*Node `yaml:"children,omitempty"`

	// Media attributes, used only by video and audio nodes
	Duration        float64 `yaml:"duration,omitempty"`
	AutoplayBlocked bool    `yaml:"autoplay_blocked,omitempty"`

	parent *Node
}

func (n *Node) ID() string { return n.NodeID }

// Playable reports whether the node is a native media element
func (n *Node) Playable() bool {
	return n.Tag == "video" || n.Tag == "audio"
}

// PlayableDescendant returns the first playable descendant in document order
func (n *Node) PlayableDescendant() (locator.Node, bool) {
	for _, c := range n.Children {
		if c.Playable() {
			return c, true
		}
		if d, ok := c.PlayableDescendant(); ok {
			return d, true
		}
	}
	return nil, false
}

// Parent returns the enclosing node, nil for the root
func (n *Node) Parent() *Node { return n.parent }

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.walk(fn)
	}
}

type fixture struct {
	Title string `yaml:"title"`
	Root  *Node  `yaml:"root"`
}

// Document is a loaded page
type Document struct {
	Title string
	Root  *Node

	clock clockwork.Clock
	index map[string]*Node

	mu        sync.Mutex
	overlays  map[*overlay]struct{}
	listeners map[int]func(locator.ClickEvent)
	nextID    int
	videos    map[string]*Video
}

// Load reads a page fixture from path
func Load(path string, clock clockwork.Clock) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read page fixture %s: %w", path, err)
	}
	return Parse(data, clock)
}

// Parse builds a document from YAML
func Parse(data []byte, clock clockwork.Clock) (*Document, error) {
	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse page fixture: %w", err)
	}
	if f.Root == nil {
		return nil, fmt.Errorf("page fixture has no root")
	}

	d := &Document{
		Title:     f.Title,
		Root:      f.Root,
		clock:     clock,
		index:     make(map[string]*Node),
		overlays:  make(map[*overlay]struct{}),
		listeners: make(map[int]func(locator.ClickEvent)),
		videos:    make(map[string]*Video),
	}

	seq := 0
	var dup string
	f.Root.walk(func(n *Node) {
		n.Tag = strings.ToLower(strings.TrimSpace(n.Tag))
		if n.NodeID == "" {
			seq++
			n.NodeID = fmt.Sprintf("%s-%d", n.Tag, seq)
		}
		if _, exists := d.index[n.NodeID]; exists && dup == "" {
			dup = n.NodeID
		}
		d.index[n.NodeID] = n
		for _, c := range n.Children {
			c.parent = n
		}
	})
	if dup != "" {
		return nil, fmt.Errorf("duplicate node id %q", dup)
	}
	return d, nil
}

// Find returns the node with the given id
func (d *Document) Find(id string) (*Node, bool) {
	n, ok := d.index[id]
	return n, ok
}

// PlayableElements implements locator.Document
func (d *Document) PlayableElements() []locator.Node {
	var out []locator.Node
	d.Root.walk(func(n *Node) {
		if n.Playable() {
			out = append(out, n)
		}
	})
	return out
}

type overlay struct {
	doc     *Document
	message string
	once    sync.Once
}

func (o *overlay) Remove() {
	o.once.Do(func() {
		o.doc.mu.Lock()
		delete(o.doc.overlays, o)
		o.doc.mu.Unlock()
	})
}

// ShowOverlay implements locator.Document
func (d *Document) ShowOverlay(message string) locator.Overlay {
	o := &overlay{doc: d, message: message}
	d.mu.Lock()
	d.overlays[o] = struct{}{}
	d.mu.Unlock()
	log.Info().Str("message", message).Msg("overlay shown")
	return o
}

// Overlays returns the messages of every visible overlay
func (d *Document) Overlays() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.overlays))
	for o := range d.overlays {
		out = append(out, o.message)
	}
	return out
}

// InterceptClicks implements locator.Document
func (d *Document) InterceptClicks(fn func(locator.ClickEvent)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Listening reports whether any capture listener is installed
func (d *Document) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners) > 0
}

type click struct {
	target    *Node
	prevented bool
	stopped   bool
}

func (c *click) Target() locator.Node { return c.target }
func (c *click) PreventDefault()      { c.prevented = true }
func (c *click) StopPropagation()     { c.stopped = true }

// Click dispatches a click on the node with the given id to the capture listeners
// and reports whether the default action was prevented
func (d *Document) Click(id string) (bool, error) {
	n, ok := d.index[id]
	if !ok {
		return false, fmt.Errorf("no node with id %q", id)
	}

	d.mu.Lock()
	fns := make([]func(locator.ClickEvent), 0, len(d.listeners))
	for i := 0; i < d.nextID; i++ {
		if fn, ok := d.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	d.mu.Unlock()

	ev := &click{target: n}
	for _, fn := range fns {
		fn(ev)
		if ev.stopped {
			break
		}
	}
	return ev.prevented, nil
}

// Video returns the media element for a playable node, created on first use
func (d *Document) Video(n locator.Node) (*Video, error) {
	node, ok := d.index[n.ID()]
	if !ok || !node.Playable() {
		return nil, fmt.Errorf("node %q is not a media element", n.ID())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.videos[node.NodeID]; ok {
		return v, nil
	}
	v := NewVideo(d.clock, node.Duration)
	v.SetAutoplayBlocked(node.AutoplayBlocked)
	d.videos[node.NodeID] = v
	return v, nil
}
