// Package hub is the single-producer fan-out channel between vehicle receiver
// and its consumers.
//
// Delivery is at-most-current: every cursor buffers one value, a new Offer
// replaces an unread value. Consumers observe the newest envelope, never a
// backlog. Close is the shutdown signal for cursors; buffered value is still
// delivered before Closed is reported.
package hub

import (
	"sync"

	"github.com/temoto/mavbridge/mavlink"
)

type Status int

const (
	Empty Status = iota
	Value
	Closed
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Value:
		return "value"
	case Closed:
		return "closed"
	}
	return "invalid"
}

type Hub struct {
	mu      sync.Mutex
	closed  bool
	cursors []*Cursor
}

type Cursor struct {
	ch chan mavlink.Envelope
}

func New() *Hub { return &Hub{} }

// Subscribe adds consumer cursor. Cursors created after Close are closed.
func (self *Hub) Subscribe() *Cursor {
	c := &Cursor{ch: make(chan mavlink.Envelope, 1)}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		close(c.ch)
		return c
	}
	self.cursors = append(self.cursors, c)
	return c
}

// Offer never blocks. Returns number of cursors where unread value was
// replaced, and false if hub is closed.
func (self *Hub) Offer(env mavlink.Envelope) (dropped int, ok bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return 0, false
	}
	for _, c := range self.cursors {
		select {
		case c.ch <- env:
			continue
		default:
		}
		// full, drop oldest
		select {
		case <-c.ch:
			dropped++
		default:
		}
		select {
		case c.ch <- env:
		default:
			// unreachable with single producer under mu
		}
	}
	return dropped, true
}

// Close is idempotent.
func (self *Hub) Close() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return
	}
	self.closed = true
	for _, c := range self.cursors {
		close(c.ch)
	}
}

// TryRecv never blocks.
func (c *Cursor) TryRecv() (mavlink.Envelope, Status) {
	select {
	case env, ok := <-c.ch:
		if !ok {
			return mavlink.Envelope{}, Closed
		}
		return env, Value
	default:
		return mavlink.Envelope{}, Empty
	}
}

// C is for select-based consumers; closed channel means hub closed.
func (c *Cursor) C() <-chan mavlink.Envelope { return c.ch }
