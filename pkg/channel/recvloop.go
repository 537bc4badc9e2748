package channel

import (
	"encoding/json"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/unison/internal/unisonerr"
	"github.com/dtn7/unison/pkg/frame"
	"github.com/dtn7/unison/pkg/protocol"
	"github.com/dtn7/unison/pkg/wire"
)

// recvLoop is the channel's single reader goroutine. It owns the
// stream's receive half exclusively and routes every incoming frame
// to either a pending request slot, the event queue, or the raw queue.
// It exits on the first I/O or framing error, tearing the channel down.
func (c *Channel) recvLoop() {
	r := frame.NewBufferedReader(c.stream)

	for {
		f, err := frame.ReadTyped(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.teardown(unisonerr.ErrConnectionClosed)
			} else {
				log.WithFields(log.Fields{"channel": c.Name, "error": err}).
					Debug("unisonchannel: recv loop terminating on frame error")
				c.teardown(unisonerr.Wrap(unisonerr.KindProtocol, "reading frame", err))
			}
			return
		}

		switch f.Tag {
		case frame.TagRaw:
			if !c.enqueueRaw(f.Payload) {
				return
			}

		case frame.TagProtocol:
			if !c.handleProtocolFrame(f.Payload) {
				return
			}
		}
	}
}

// handleProtocolFrame decodes one Protocol frame's packet and message,
// then dispatches by MsgType. It returns false if the channel tore
// down while handling the frame (in which case recvLoop must stop).
func (c *Channel) handleProtocolFrame(packet []byte) bool {
	_, body, err := wire.Decode(packet)
	if err != nil {
		c.teardown(unisonerr.Wrap(unisonerr.KindProtocol, "decoding packet", err))
		return false
	}

	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.teardown(unisonerr.Wrap(unisonerr.KindProtocol, "decoding protocol message", err))
		return false
	}

	switch msg.MsgType {
	case protocol.Response:
		c.resolvePending(msg.ResponseTo, pendingResult{msg: msg})
		return true

	case protocol.Error:
		if msg.ResponseTo != 0 && c.resolvePending(msg.ResponseTo, pendingResult{err: decodeProtocolError(msg)}) {
			return true
		}
		return c.enqueueEvent(msg)

	case protocol.Request, protocol.Event:
		return c.enqueueEvent(msg)

	default:
		log.WithField("msg_type", msg.MsgType).Warn("unisonchannel: dropping message of unknown type")
		return true
	}
}

// resolvePending delivers res to the pending slot for id, if any is
// registered, and reports whether one was found.
func (c *Channel) resolvePending(id uint64, res pendingResult) bool {
	c.pendingMu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}
	slot <- res
	return true
}

// enqueueEvent pushes msg onto the bounded event queue, blocking while
// full (the backpressure signal described in spec §5). It unblocks
// early if the channel tears down while waiting, returning false.
func (c *Channel) enqueueEvent(msg protocol.Message) bool {
	select {
	case c.events <- msg:
		return true
	case <-c.closeSignal:
		return false
	}
}

// enqueueRaw is enqueueEvent's counterpart for the raw-bytes queue.
func (c *Channel) enqueueRaw(payload []byte) bool {
	select {
	case c.raw <- payload:
		return true
	case <-c.closeSignal:
		return false
	}
}

// decodeProtocolError projects an Error message's payload into a Go
// error carrying the matching unisonerr.Kind, falling back to
// KindInternal for codes the core doesn't recognize.
func decodeProtocolError(msg protocol.Message) error {
	var perr protocol.ProtocolError
	if err := json.Unmarshal(msg.Payload, &perr); err != nil {
		return unisonerr.Wrap(unisonerr.KindProtocol, "decoding error payload", err)
	}

	kind := unisonerr.KindInternal
	switch unisonerr.Kind(perr.Code) {
	case unisonerr.KindHandlerNotFound, unisonerr.KindProtocol, unisonerr.KindTimeout, unisonerr.KindClosed:
		kind = unisonerr.Kind(perr.Code)
	}
	return unisonerr.Wrap(kind, perr.Message, perr)
}
