package mux

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/unison/internal/unisonerr"
	"github.com/dtn7/unison/pkg/channel"
	"github.com/dtn7/unison/pkg/frame"
	"github.com/dtn7/unison/pkg/protocol"
	"github.com/dtn7/unison/pkg/wire"
)

// Config controls how Dispatch builds the Channel it hands off to a
// matched handler.
type Config struct {
	Codec          wire.Config
	EventQueueSize int
}

// Dispatch reads exactly the opening Request frame off a freshly
// accepted stream, expects it to be a channel-open request
// (method == "__channel:<name>"), and either:
//   - rejects it with an Error frame and closes the stream, if no
//     handler is registered for that name, or
//   - acknowledges it with a Response frame, builds a Channel around
//     the remainder of the stream, and runs the registered handler.
//
// Dispatch blocks for the handler's lifetime; callers should invoke it
// from its own goroutine per accepted stream, mirroring the teacher's
// "go endpoint.handleStream(stream)" per-stream dispatch in
// pkg/cla/quicl/endpoint.go.
func (m *Mux) Dispatch(ctx context.Context, stream channel.Stream, streamID uint64, cfg Config) {
	openMsg, err := readOpenRequest(stream)
	if err != nil {
		log.WithField("error", err).Debug("unisonmux: rejecting stream with malformed open request")
		_ = stream.Close()
		return
	}

	name, ok := channelNameFromMethod(openMsg.Method)
	if !ok {
		log.WithField("method", openMsg.Method).Debug("unisonmux: stream opened without a channel-open request")
		writeOpenError(stream, openMsg.ID, cfg.Codec, protocol.ProtocolError{
			Code:    string(unisonerr.KindProtocol),
			Message: "first request on a stream must address __channel:<name>",
		})
		_ = stream.Close()
		return
	}

	handler, ok := m.lookup(name)
	if !ok {
		log.WithField("channel", name).Debug("unisonmux: no handler registered, rejecting open request")
		writeOpenError(stream, openMsg.ID, cfg.Codec, protocol.ProtocolError{
			Code:    string(unisonerr.KindHandlerNotFound),
			Message: "no handler registered for channel " + name,
		})
		_ = stream.Close()
		return
	}

	if err := writeOpenAck(stream, openMsg.ID, streamID, cfg.Codec); err != nil {
		log.WithField("error", err).Debug("unisonmux: failed to acknowledge channel open")
		_ = stream.Close()
		return
	}

	ch := channel.New(name, streamID, stream, channel.Config{Codec: cfg.Codec, EventQueueSize: cfg.EventQueueSize})
	defer ch.Close()
	handler.fn(ctx, ch)
}

// channelNameFromMethod extracts the channel name from a
// "__channel:<name>" method string.
func channelNameFromMethod(method string) (string, bool) {
	const prefix = protocol.ReservedChannelPrefix
	if len(method) <= len(prefix) || method[:len(prefix)] != prefix {
		return "", false
	}
	return method[len(prefix):], true
}

func readOpenRequest(stream channel.Stream) (protocol.Message, error) {
	f, err := frame.ReadTyped(stream)
	if err != nil {
		return protocol.Message{}, err
	}
	if f.Tag != frame.TagProtocol {
		return protocol.Message{}, unisonerr.New(unisonerr.KindProtocol, "expected a protocol frame to open a channel")
	}
	_, body, err := wire.Decode(f.Payload)
	if err != nil {
		return protocol.Message{}, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return protocol.Message{}, err
	}
	if msg.MsgType != protocol.Request {
		return protocol.Message{}, unisonerr.New(unisonerr.KindProtocol, "expected a Request to open a channel")
	}
	return msg, nil
}

func writeOpenAck(stream channel.Stream, requestID, streamID uint64, codec wire.Config) error {
	msg, err := protocol.NewResponse(requestID+1, requestID, protocol.ChannelOpenMethod(""), struct{}{})
	if err != nil {
		return err
	}
	return writeControlMessage(stream, msg, streamID, codec)
}

func writeOpenError(stream channel.Stream, requestID uint64, codec wire.Config, perr protocol.ProtocolError) {
	msg, err := protocol.NewErrorResponse(requestID+1, requestID, protocol.ChannelOpenMethod(""), perr)
	if err != nil {
		return
	}
	_ = writeControlMessage(stream, msg, 0, codec)
}

func writeControlMessage(stream channel.Stream, msg protocol.Message, streamID uint64, codec wire.Config) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	packet, err := wire.Encode(wire.Fields{
		PacketType: wire.TypeControl,
		StreamID:   streamID,
		MessageID:  msg.ID,
		ResponseTo: msg.ResponseTo,
	}, body, codec)
	if err != nil {
		return err
	}
	return frame.WriteTyped(stream, frame.TagProtocol, packet)
}
