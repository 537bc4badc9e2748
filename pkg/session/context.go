// Package session holds the per-connection state shared across a
// QUIC connection's channels: the connection's identity and its table
// of open channel handles.
//
// Grounded on the teacher's pattern of guarding a shared map with a
// narrowly-scoped mutex (pkg/cla/manager.go's convs *sync.Map plus
// stopFlagMutex/providersMutex), generalized here to an explicit
// concurrent-read/exclusive-write RWMutex since identity and channel
// lookups are frequent and mutations are rare.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dtn7/unison/pkg/protocol"
)

// ChannelHandle describes one channel open on this connection.
type ChannelHandle struct {
	ChannelName string
	StreamID    uint64
	Direction   protocol.Direction
}

// Context is one per accepted or dialed QUIC connection. ConnectionID
// is a random v4 UUID minted at accept/connect time, following
// xray-core's direct use of google/uuid for per-session identifiers.
type Context struct {
	ConnectionID uuid.UUID

	mu       sync.RWMutex
	identity *protocol.ServerIdentity
	channels map[string]ChannelHandle
}

// New creates a Context with a freshly minted random connection id.
func New() *Context {
	return &Context{
		ConnectionID: uuid.New(),
		channels:     make(map[string]ChannelHandle),
	}
}

// SetIdentity stores the (received or advertised) ServerIdentity.
func (c *Context) SetIdentity(identity protocol.ServerIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &identity
}

// Identity returns the stored ServerIdentity, or false if none has
// been set yet (the client side before the identity stream arrives).
func (c *Context) Identity() (protocol.ServerIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return protocol.ServerIdentity{}, false
	}
	return *c.identity, true
}

// ApplyUpdate mutates the stored identity's channel directory in place
// according to a ChannelUpdate event (see spec §4.4).
func (c *Context) ApplyUpdate(update protocol.ChannelUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return
	}
	switch update.Kind {
	case protocol.ChannelAdded:
		if update.Added != nil {
			c.identity.Channels = append(c.identity.Channels, *update.Added)
		}
	case protocol.ChannelRemoved:
		filtered := c.identity.Channels[:0]
		for _, ch := range c.identity.Channels {
			if ch.Name != update.Removed {
				filtered = append(filtered, ch)
			}
		}
		c.identity.Channels = filtered
	case protocol.ChannelStatusChanged:
		if update.StatusChanged != nil {
			for i, ch := range c.identity.Channels {
				if ch.Name == update.StatusChanged.Name {
					c.identity.Channels[i].Status = update.StatusChanged.Status
				}
			}
		}
	}
}

// RegisterChannel records a newly opened channel handle.
func (c *Context) RegisterChannel(handle ChannelHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[handle.ChannelName] = handle
}

// UnregisterChannel removes a channel handle, e.g. on channel close.
func (c *Context) UnregisterChannel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
}

// Channel looks up a previously registered channel handle.
func (c *Context) Channel(name string) (ChannelHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.channels[name]
	return h, ok
}

// Channels returns a snapshot of all registered channel handles.
func (c *Context) Channels() []ChannelHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChannelHandle, 0, len(c.channels))
	for _, h := range c.channels {
		out = append(out, h)
	}
	return out
}
