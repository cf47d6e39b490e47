package presence

import (
	"sync"
	"time"
)

// newDebouncer returns a debouncer that will wait the given
// duration before executing any enqueued callback. 0 is a valid value.
func newDebouncer[K comparable](debounce time.Duration) *debouncer[K] {
	return &debouncer[K]{
		debounce: debounce,
		queue:    make(map[K]*time.Timer),
	}
}

// debouncer coalesces bursts of notifications per key into a single
// delayed callback.
type debouncer[K comparable] struct {
	debounce time.Duration

	mu      sync.Mutex // Protects following.
	queue   map[K]*time.Timer
	stopped bool
}

// cancel any enqueued callback for the given key.
func (c *debouncer[K]) cancel(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cancelled bool
	if t, ok := c.queue[key]; ok {
		cancelled = t.Stop()
	}
	delete(c.queue, key)
	return cancelled
}

// enqueue executes the callback after debounce duration. The callback
// may be cancelled if cancel is called before the debounce duration. If
// a callback is already queued for this key, then this call does nothing
// (allowing the previously enqueued callback to complete).
func (c *debouncer[K]) enqueue(key K, cb func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}
	if _, ok := c.queue[key]; ok {
		return false
	}

	c.queue[key] = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		if _, ok := c.queue[key]; !ok {
			// Cancelled since timer was set.
			c.mu.Unlock()
			return
		}
		delete(c.queue, key)
		c.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
	return true
}

// stop cancels all pending callbacks and rejects new ones.
func (c *debouncer[K]) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for key, t := range c.queue {
		t.Stop()
		delete(c.queue, key)
	}
}
