// Package presencetest provides an in-memory connection for tests of code built on the registry.
package presencetest

import (
	"errors"
	"sync"

	"schoolhub/pkg/types"
)

var ErrClosed = errors.New("connection closed")

// Conn records every outbound event written to it
type Conn struct {
	id string

	mu     sync.Mutex
	events []*types.OutboundEvent
	closed bool
	fail   bool
}

func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.fail {
		return errors.New("write failed")
	}
	if evt, ok := v.(*types.OutboundEvent); ok {
		c.events = append(c.events, evt)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailWrites makes every following write return an error
func (c *Conn) FailWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything received so far
func (c *Conn) Events() []*types.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.OutboundEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the received events with the given name
func (c *Conn) Named(name string) []*types.OutboundEvent {
	var out []*types.OutboundEvent
	for _, evt := range c.Events() {
		if evt.Event == name {
			out = append(out, evt)
		}
	}
	return out
}

// Count returns how many events with the given name were received
func (c *Conn) Count(name string) int {
	return len(c.Named(name))
}

// Reset forgets received events
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
