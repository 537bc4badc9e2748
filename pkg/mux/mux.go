// Package mux implements the channel multiplexer: a registry of named
// channel handlers and the dispatch logic that turns a freshly
// accepted, client-opened QUIC stream into one UnisonChannel bound to a
// registered handler, or rejects it. The server's identity stream is
// not handled here.
//
// Grounded on the teacher's pkg/cla/manager.go Manager, which keeps a
// mutex-guarded registry of convergence senders/receivers keyed by
// endpoint id; here the registry key is a channel name instead of an
// EndpointID, and lookups happen once per accepted stream rather than
// once per outgoing bundle.
package mux

import (
	"context"
	"sync"

	"github.com/dtn7/unison/pkg/channel"
	"github.com/dtn7/unison/pkg/protocol"
)

// HandlerFunc runs for the lifetime of one opened channel. It should
// return when ch's recv loop tears down (ch.Recv/ch.RecvRaw will start
// returning errors) or when ctx is canceled.
type HandlerFunc func(ctx context.Context, ch *channel.Channel)

type registeredHandler struct {
	info protocol.ChannelInfo
	fn   HandlerFunc
}

// Mux is a registry of channel handlers. A single
// Mux is typically shared across every connection a server accepts,
// since the set of channels a server offers doesn't vary per peer.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
}

// New creates an empty Mux.
func New() *Mux {
	return &Mux{handlers: make(map[string]registeredHandler)}
}

// Register binds name to fn, advertised with the given direction and
// lifetime. Registering a name twice replaces the previous handler.
func (m *Mux) Register(name string, direction protocol.Direction, lifetime protocol.Lifetime, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = registeredHandler{
		info: protocol.ChannelInfo{
			Name:      name,
			Direction: direction,
			Lifetime:  lifetime,
			Status:    protocol.Available,
		},
		fn: fn,
	}
}

// Unregister removes a previously registered handler.
func (m *Mux) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, name)
}

// SetStatus updates the advertised Status of a registered channel,
// e.g. to Busy under load or Unavailable while draining.
func (m *Mux) SetStatus(name string, status protocol.Status) (protocol.ChannelInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[name]
	if !ok {
		return protocol.ChannelInfo{}, false
	}
	h.info.Status = status
	m.handlers[name] = h
	return h.info, true
}

func (m *Mux) lookup(name string) (registeredHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

// ChannelInfos returns a snapshot of every registered channel's
// advertised metadata, suitable for a ServerIdentity.Channels field.
func (m *Mux) ChannelInfos() []protocol.ChannelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.ChannelInfo, 0, len(m.handlers))
	for _, h := range m.handlers {
		out = append(out, h.info)
	}
	return out
}
