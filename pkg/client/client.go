// Package client implements the Unison client facade: dial, read the
// server's identity off its dedicated stream, open named channels,
// and close everything in order.
//
// Grounded on the teacher's Endpoint dialer path in
// pkg/cla/quicl/endpoint.go (quic.DialAddr, then a dedicated handshake
// stream before any data flows) generalized from a one-shot bundle
// handshake to the identity-then-channels sequence spec §4.4 and §4.5
// describe.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/unison/internal/unisonerr"
	"github.com/dtn7/unison/pkg/channel"
	"github.com/dtn7/unison/pkg/frame"
	"github.com/dtn7/unison/pkg/protocol"
	"github.com/dtn7/unison/pkg/transport"
	"github.com/dtn7/unison/pkg/wire"
)

// Config controls how Connect dials and encodes traffic.
type Config struct {
	TLS            *tls.Config
	QUIC           *quic.Config
	Codec          wire.Config
	EventQueueSize int
}

// Client is one dialed connection to a Unison server.
type Client struct {
	conn     quic.Connection
	cfg      Config
	identity protocol.ServerIdentity

	nextID uint64 // atomic; this client's own control-message id counter

	mu       sync.Mutex
	channels map[string]*channel.Channel
	closed   bool
}

// Connect dials addr, then blocks until the server's identity stream
// arrives and has been read.
func Connect(ctx context.Context, addr string, cfg Config) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, cfg.TLS, cfg.QUIC)
	if err != nil {
		return nil, unisonerr.Wrap(unisonerr.KindInternal, "dialing", err)
	}

	c := &Client{conn: conn, cfg: cfg, channels: make(map[string]*channel.Channel)}

	identity, err := c.readIdentity(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "identity handshake failed")
		return nil, err
	}
	c.identity = identity

	return c, nil
}

// Identity returns the identity announced by the server at connect time.
func (c *Client) Identity() protocol.ServerIdentity {
	return c.identity
}

// Connected reports whether the underlying QUIC connection is still
// usable, by checking its context (quic-go cancels a connection's
// Context when the connection closes).
func (c *Client) Connected() bool {
	select {
	case <-c.conn.Context().Done():
		return false
	default:
		return true
	}
}

func (c *Client) readIdentity(ctx context.Context) (protocol.ServerIdentity, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return protocol.ServerIdentity{}, unisonerr.Wrap(unisonerr.KindProtocol, "waiting for identity stream", err)
	}
	defer stream.Close()

	f, err := frame.ReadTyped(stream)
	if err != nil {
		return protocol.ServerIdentity{}, unisonerr.Wrap(unisonerr.KindProtocol, "reading identity frame", err)
	}
	if f.Tag != frame.TagProtocol {
		return protocol.ServerIdentity{}, unisonerr.New(unisonerr.KindProtocol, "identity stream carried a non-protocol frame")
	}
	_, body, err := wire.Decode(f.Payload)
	if err != nil {
		return protocol.ServerIdentity{}, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return protocol.ServerIdentity{}, err
	}
	if msg.Method != protocol.ReservedIdentityMethod {
		return protocol.ServerIdentity{}, unisonerr.New(unisonerr.KindProtocol, "expected __identity on the first server stream")
	}
	var identity protocol.ServerIdentity
	if err := json.Unmarshal(msg.Payload, &identity); err != nil {
		return protocol.ServerIdentity{}, err
	}
	return identity, nil
}

// OpenChannel opens a new QUIC stream, performs the "__channel:<name>"
// open handshake, and returns a live Channel on success.
func (c *Client) OpenChannel(ctx context.Context, name string) (*channel.Channel, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, unisonerr.Wrap(unisonerr.KindInternal, "opening stream", err)
	}

	requestID := atomic.AddUint64(&c.nextID, 1)
	openMsg, err := protocol.NewRequest(requestID, protocol.ChannelOpenMethod(name), struct{}{})
	if err != nil {
		return nil, err
	}
	if err := c.writeControlMessage(stream, openMsg, uint64(stream.StreamID())); err != nil {
		_ = stream.Close()
		return nil, err
	}

	f, err := frame.ReadTyped(stream)
	if err != nil {
		_ = stream.Close()
		return nil, unisonerr.Wrap(unisonerr.KindProtocol, "reading channel-open acknowledgement", err)
	}
	_, body, err := wire.Decode(f.Payload)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	var ack protocol.Message
	if err := json.Unmarshal(body, &ack); err != nil {
		_ = stream.Close()
		return nil, err
	}
	if ack.MsgType == protocol.Error {
		_ = stream.Close()
		var perr protocol.ProtocolError
		_ = json.Unmarshal(ack.Payload, &perr)
		return nil, unisonerr.Wrap(unisonerr.KindHandlerNotFound, "opening channel "+name, perr)
	}

	ch := channel.New(name, uint64(stream.StreamID()), stream, channel.Config{
		Codec:          c.cfg.Codec,
		EventQueueSize: c.cfg.EventQueueSize,
	})

	c.mu.Lock()
	c.channels[name] = ch
	c.mu.Unlock()

	return ch, nil
}

func (c *Client) writeControlMessage(stream quic.Stream, msg protocol.Message, streamID uint64) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	packet, err := wire.Encode(wire.Fields{
		PacketType: wire.TypeControl,
		StreamID:   streamID,
		MessageID:  msg.ID,
	}, body, c.cfg.Codec)
	if err != nil {
		return err
	}
	return frame.WriteTyped(stream, frame.TagProtocol, packet)
}

// Close closes every open channel, then the underlying QUIC connection.
// Supplemented from original_source's Client::close, which drains
// channels before tearing down the transport instead of cutting it
// out from under them.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = nil
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *channel.Channel) {
			defer wg.Done()
			_ = ch.Close()
		}(ch)
	}
	wg.Wait()

	return c.conn.CloseWithError(0, "client closing")
}
