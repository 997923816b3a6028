package storage

import (
	"sync"
)

// Hub is a process-local storage area that several contexts open views
// onto, the way browser tabs share one localStorage.
type Hub struct {
	mu     sync.Mutex
	values map[string]string
	views  map[*MemoryChannel]struct{}
}

func NewHub() *Hub {
	return &Hub{
		values: make(map[string]string),
		views:  make(map[*MemoryChannel]struct{}),
	}
}

// Open returns a new context view onto the hub.
func (h *Hub) Open() *MemoryChannel {
	c := &MemoryChannel{
		hub:  h,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.views[c] = struct{}{}
	h.mu.Unlock()

	go c.deliver()
	return c
}

// NewMemory returns an isolated memory channel. Nothing else can write to
// it, so its handlers never fire; it is the fallback medium.
func NewMemory() *MemoryChannel {
	return NewHub().Open()
}

// MemoryChannel is one context's view onto a Hub. Changes are queued per
// view and delivered in order on the view's own goroutine.
type MemoryChannel struct {
	hub      *Hub
	handlers handlers

	mu     sync.Mutex
	queue  []Change
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

var _ Channel = (*MemoryChannel)(nil)

func (c *MemoryChannel) Medium() Medium { return MediumMemory }

func (c *MemoryChannel) Get(key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	value, ok := c.hub.values[key]
	return value, ok, nil
}

func (c *MemoryChannel) Set(key string, value string) error {
	return c.write(Change{Key: key, Value: value})
}

func (c *MemoryChannel) Remove(key string) error {
	return c.write(Change{Key: key, Removed: true})
}

func (c *MemoryChannel) write(change Change) error {
	if err := validateKey(change.Key); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.hub.mu.Lock()
	if change.Removed {
		delete(c.hub.values, change.Key)
	} else {
		c.hub.values[change.Key] = change.Value
	}
	peers := make([]*MemoryChannel, 0, len(c.hub.views))
	for view := range c.hub.views {
		if view != c {
			peers = append(peers, view)
		}
	}
	// enqueue under the hub lock so every view sees writes in the same order
	for _, peer := range peers {
		peer.enqueue(change)
	}
	c.hub.mu.Unlock()
	return nil
}

func (c *MemoryChannel) OnChange(handler func(Change)) func() {
	return c.handlers.add(handler)
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	c.hub.mu.Lock()
	delete(c.hub.views, c)
	c.hub.mu.Unlock()

	close(c.done)
	return nil
}

func (c *MemoryChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MemoryChannel) enqueue(change Change) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, change)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MemoryChannel) deliver() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			batch := c.queue
			c.queue = nil
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, change := range batch {
				c.handlers.notify(change)
			}
		}
	}
}
