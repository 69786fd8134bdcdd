package chat

import "sync/atomic"

// IdCounter hands out session ids. The counter wraps at 65535 and skips
// zero, the wire protocol reserves zero for control frames.
type IdCounter struct {
	next atomic.Uint32
}

func NewIdCounter() *IdCounter {
	c := &IdCounter{}
	c.next.Store(1)
	return c
}

func (c *IdCounter) Next() uint16 {
	for {
		if id := uint16(c.next.Add(1) - 1); id != 0 {
			return id
		}
	}
}
