package events

import (
	"sync"
	"sync/atomic"
)

// Channel delivers events to a single consumer through a bounded queue.
// When the queue is full new events are dropped and counted; the producer
// (a session's listener goroutine) never blocks on a slow consumer.
type Channel struct {
	ch      chan Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewChannel creates a channel observer with the given queue size
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 1
	}
	return &Channel{ch: make(chan Event, size)}
}

func (c *Channel) Observe(e Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Events is the receive side for the consumer. It is closed by Close.
func (c *Channel) Events() <-chan Event {
	return c.ch
}

// Dropped returns the number of events lost to a full queue
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Close stops delivery and closes the events channel
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
