package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Send after Close, and by Recv once the ring
// is drained.
var ErrClosed = errors.New("broadcast channel closed")

// LaggedError reports that the ring overwrote entries a subscriber had
// not read yet. The subscriber's cursor has already been moved to the
// oldest retained entry, so the next Recv resumes from there.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d entries dropped", e.Missed)
}

// Channel is a multi-subscriber fan-out ring. Send never blocks; each
// subscriber reads at its own pace through an independent cursor and
// gets a LaggedError instead of stalling the producer when it falls
// behind.
type Channel[T any] struct {
	mu     sync.Mutex
	ring   []T
	seq    uint64 // next sequence to write
	closed bool
	notify chan struct{} // closed and replaced on every Send
}

func NewChannel[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		panic("broadcast: capacity must be at least 1")
	}
	return &Channel[T]{
		ring:   make([]T, capacity),
		notify: make(chan struct{}),
	}
}

func (c *Channel[T]) Send(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.ring[c.seq%uint64(len(c.ring))] = v
	c.seq++
	close(c.notify)
	c.notify = make(chan struct{})
	return nil
}

func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.notify)
	}
}

// Subscribe starts a subscription at the current head. Only entries sent
// after the call are delivered.
func (c *Channel[T]) Subscribe() *Subscriber[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Subscriber[T]{ch: c, cursor: c.seq}
}

// Subscriber is a single consumer cursor. Not safe for concurrent use.
type Subscriber[T any] struct {
	ch     *Channel[T]
	cursor uint64
}

// Recv blocks until an entry is available, the channel closes, or ctx is
// done. A closed channel still drains its retained entries before Recv
// reports ErrClosed.
func (s *Subscriber[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	c := s.ch
	for {
		c.mu.Lock()
		var oldest uint64
		if n := uint64(len(c.ring)); c.seq > n {
			oldest = c.seq - n
		}
		switch {
		case s.cursor < oldest:
			missed := oldest - s.cursor
			s.cursor = oldest
			c.mu.Unlock()
			return zero, &LaggedError{Missed: missed}
		case s.cursor < c.seq:
			v := c.ring[s.cursor%uint64(len(c.ring))]
			s.cursor++
			c.mu.Unlock()
			return v, nil
		case c.closed:
			c.mu.Unlock()
			return zero, ErrClosed
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
