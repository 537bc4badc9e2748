// Package channel implements UnisonChannel, the per-channel state
// machine that turns one QUIC bidirectional stream into four
// operations: request/response correlation, event push, a raw-bytes
// fast path, and lifecycle teardown.
//
// Grounded on two teacher patterns generalized together:
//   - pkg/cla/tcpclv4/internal/utils/transfer_manager.go's outFeedback
//     sync.Map of transfer-id to a single-shot feedback channel, here
//     generalized from "transfer acknowledgement" to "any request/
//     response pair".
//   - pkg/cla/tcpclv4/internal/utils/message_switch_readerwriter.go's
//     handleIn/handleOut goroutine pair turning an io.Reader/io.Writer
//     into typed-message channels, here specialized into one recv
//     loop that routes frames to either a pending slot or the shared
//     event queue.
package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/unison/internal/unisonerr"
	"github.com/dtn7/unison/pkg/frame"
	"github.com/dtn7/unison/pkg/protocol"
	"github.com/dtn7/unison/pkg/wire"
)

// Stream is the subset of *quic.Stream the channel state machine
// needs. Declared locally so tests can substitute a net.Pipe-backed
// fake without importing quic-go; a real quic.Stream satisfies it
// structurally since it offers a strict superset of these methods.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// DefaultEventQueueSize is the bound on both the event queue and the
// raw-frame queue, per spec §3/§5.
const DefaultEventQueueSize = 1024

// Config controls a Channel's codec and queue sizing.
type Config struct {
	Codec          wire.Config
	EventQueueSize int
}

func (c Config) eventQueueSize() int {
	if c.EventQueueSize > 0 {
		return c.EventQueueSize
	}
	return DefaultEventQueueSize
}

// Channel is the per-channel state machine described in spec §4.6.
type Channel struct {
	Name     string
	StreamID uint64

	stream Stream
	codec  wire.Config

	sendMu sync.Mutex // exclusive access to the stream's send half

	nextID uint64 // atomic; skips 0, which is reserved for events
	seq    uint64 // atomic; per-stream wire.Fields.SequenceNumber

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult

	events chan protocol.Message
	raw    chan []byte

	closeOnce   sync.Once
	closeSignal chan struct{}
	closeErr    atomic.Value // error
}

type pendingResult struct {
	msg protocol.Message
	err error
}

// New constructs a Channel over stream and starts its recv loop.
func New(name string, streamID uint64, stream Stream, cfg Config) *Channel {
	c := &Channel{
		Name:        name,
		StreamID:    streamID,
		stream:      stream,
		codec:       cfg.Codec,
		pending:     make(map[uint64]chan pendingResult),
		events:      make(chan protocol.Message, cfg.eventQueueSize()),
		raw:         make(chan []byte, cfg.eventQueueSize()),
		closeSignal: make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Closed reports whether the channel has torn down.
func (c *Channel) Closed() bool {
	select {
	case <-c.closeSignal:
		return true
	default:
		return false
	}
}

func (c *Channel) closedErr() error {
	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return unisonerr.ErrConnectionClosed
}

// Close tears the channel down from the application side: it fails
// every pending request with ConnectionClosed, closes the event and
// raw queues, and closes the underlying stream.
func (c *Channel) Close() error {
	c.teardown(unisonerr.ErrConnectionClosed)
	return nil
}

// teardown is the single exit path for the recv loop hitting EOF, a
// framing error, or an explicit Close call. It is idempotent.
func (c *Channel) teardown(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = unisonerr.ErrConnectionClosed
		}
		c.closeErr.Store(cause)
		close(c.closeSignal)
		_ = c.stream.Close()

		c.pendingMu.Lock()
		for id, slot := range c.pending {
			slot <- pendingResult{err: cause}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		close(c.events)
		close(c.raw)
	})
}

// allocateID returns the next monotonic Request id for this channel,
// starting at 1. Wraparound back to 0 is a fatal protocol error but is
// practically unreachable with a 64-bit counter.
func (c *Channel) allocateID() uint64 {
	id := atomic.AddUint64(&c.nextID, 1)
	if id == 0 {
		log.WithField("channel", c.Name).Error("unisonchannel: request id counter wrapped to 0")
	}
	return id
}

// Request allocates a fresh id, registers a single-shot pending slot,
// sends a Request frame, and awaits the matching Response/Error.
func (c *Channel) Request(ctx context.Context, method string, payload any) (protocol.Message, error) {
	if c.Closed() {
		return protocol.Message{}, c.closedErr()
	}

	id := c.allocateID()
	slot := make(chan pendingResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = slot
	c.pendingMu.Unlock()

	msg, err := protocol.NewRequest(id, method, payload)
	if err != nil {
		c.removePending(id)
		return protocol.Message{}, unisonerr.Wrap(unisonerr.KindInternal, "marshaling request payload", err)
	}

	if err := c.writeMessage(msg, wire.TypeData); err != nil {
		c.removePending(id)
		return protocol.Message{}, err
	}

	select {
	case res := <-slot:
		if res.err != nil {
			return protocol.Message{}, res.err
		}
		return res.msg, nil

	case <-ctx.Done():
		// Cancellation just unregisters the slot; a later Response
		// for this id is discarded silently by the recv loop. No
		// cancellation frame goes out on the wire.
		c.removePending(id)
		return protocol.Message{}, ctx.Err()

	case <-c.closeSignal:
		return protocol.Message{}, c.closedErr()
	}
}

func (c *Channel) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// SendResponse answers requestID with a Response frame.
func (c *Channel) SendResponse(requestID uint64, method string, payload any) error {
	id := c.allocateID()
	msg, err := protocol.NewResponse(id, requestID, method, payload)
	if err != nil {
		return unisonerr.Wrap(unisonerr.KindInternal, "marshaling response payload", err)
	}
	return c.writeMessage(msg, wire.TypeData)
}

// SendErrorResponse answers requestID with an Error frame.
func (c *Channel) SendErrorResponse(requestID uint64, method string, perr protocol.ProtocolError) error {
	id := c.allocateID()
	msg, err := protocol.NewErrorResponse(id, requestID, method, perr)
	if err != nil {
		return unisonerr.Wrap(unisonerr.KindInternal, "marshaling error payload", err)
	}
	return c.writeMessage(msg, wire.TypeData)
}

// SendEvent sends an unsolicited Event frame; it never expects a reply.
func (c *Channel) SendEvent(method string, payload any) error {
	msg, err := protocol.NewEvent(0, method, payload)
	if err != nil {
		return unisonerr.Wrap(unisonerr.KindInternal, "marshaling event payload", err)
	}
	return c.writeMessage(msg, wire.TypeData)
}

// Recv pops the next Event or unsolicited Request off the event queue.
func (c *Channel) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-c.events:
		if !ok {
			return protocol.Message{}, c.closedErr()
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// SendRaw writes one Raw frame, bypassing the packet codec and the
// ProtocolMessage layer entirely.
func (c *Channel) SendRaw(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.Closed() {
		return c.closedErr()
	}
	return frame.WriteTyped(c.stream, frame.TagRaw, data)
}

// RecvRaw returns the next Raw frame observed by the recv loop, in
// arrival order.
func (c *Channel) RecvRaw(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.raw:
		if !ok {
			return nil, c.closedErr()
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeMessage JSON-encodes msg, wraps it in a UnisonPacket, and writes
// it as a Protocol frame. The send half is exclusive: at most one
// in-flight write at a time.
func (c *Channel) writeMessage(msg protocol.Message, packetType wire.PacketType) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return unisonerr.Wrap(unisonerr.KindInternal, "marshaling protocol message", err)
	}

	fields := wire.Fields{
		PacketType:     packetType,
		SequenceNumber: atomic.AddUint64(&c.seq, 1),
		StreamID:       c.StreamID,
		MessageID:      msg.ID,
		ResponseTo:     msg.ResponseTo,
	}

	packet, err := wire.Encode(fields, body, c.codec)
	if err != nil {
		return unisonerr.Wrap(unisonerr.KindInternal, "encoding packet", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.Closed() {
		return c.closedErr()
	}
	if err := frame.WriteTyped(c.stream, frame.TagProtocol, packet); err != nil {
		return unisonerr.Wrap(unisonerr.KindProtocol, "writing protocol frame", err)
	}
	return nil
}
