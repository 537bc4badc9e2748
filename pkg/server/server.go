// Package server implements a Unison server: a QUIC listener that
// accepts connections, sends each one its identity on a dedicated
// stream, and dispatches client-opened channels to a mux.Mux.
//
// The accept loop and its stopSyn/stopAck shutdown handshake are
// grounded on the teacher's pkg/cla/mtcp.MTCPServer.Start/Close, here
// adapted to quic.Listener.Accept's context-based cancellation instead
// of the TCP listener's poll-with-deadline loop.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dtn7/unison/internal/unisonerr"
	"github.com/dtn7/unison/pkg/frame"
	"github.com/dtn7/unison/pkg/mux"
	"github.com/dtn7/unison/pkg/protocol"
	"github.com/dtn7/unison/pkg/session"
	"github.com/dtn7/unison/pkg/transport"
	"github.com/dtn7/unison/pkg/wire"
)

// DefaultShutdownDeadline bounds how long Shutdown waits for
// in-flight connections to drain before forcing them closed.
const DefaultShutdownDeadline = 5 * time.Second

// ConnectionEventKind distinguishes a connection's two lifecycle
// transitions.
type ConnectionEventKind string

const (
	ConnectionEstablished ConnectionEventKind = "Connected"
	ConnectionLost        ConnectionEventKind = "Disconnected"
)

// ConnectionEvent is broadcast to every active subscriber as
// connections come and go. Subscribers that join after an event fires
// never see it; this is a live feed, not a replay log.
type ConnectionEvent struct {
	Kind         ConnectionEventKind
	ConnectionID uuid.UUID
	RemoteAddr   string
}

// Config collects the knobs a Server needs beyond its Mux and
// identity, mirroring spec §4.3/§4.7's server-side parameters.
type Config struct {
	ListenAddr       string
	TLS               *tls.Config
	QUIC              *quic.Config
	Codec             wire.Config
	EventQueueSize    int
	ShutdownDeadline  time.Duration
	// SubscriberQueueSize bounds each ConnectionEvent subscriber's
	// channel; a slow subscriber drops events rather than stalling
	// the broadcaster.
	SubscriberQueueSize int
}

func (c Config) shutdownDeadline() time.Duration {
	if c.ShutdownDeadline > 0 {
		return c.ShutdownDeadline
	}
	return DefaultShutdownDeadline
}

func (c Config) subscriberQueueSize() int {
	if c.SubscriberQueueSize > 0 {
		return c.SubscriberQueueSize
	}
	return 16
}

// Server runs the accept loop for one listening endpoint.
type Server struct {
	cfg      Config
	mux      *mux.Mux
	identity protocol.ServerIdentity

	listener *quic.Listener
	ready    chan struct{}

	acceptCtx    context.Context
	cancelAccept context.CancelFunc
	stopAck      chan struct{}

	connWG sync.WaitGroup

	connMu sync.Mutex
	conns  map[uuid.UUID]quic.Connection

	subMu sync.Mutex
	subs  map[chan ConnectionEvent]struct{}
}

// New builds a Server bound to m's registered channels; identity.Channels
// is populated from m.ChannelInfos() at Listen time, not here, so late
// registrations before Listen are still picked up.
func New(identity protocol.ServerIdentity, m *mux.Mux, cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		mux:      m,
		identity: identity,
		conns:    make(map[uuid.UUID]quic.Connection),
		subs:     make(map[chan ConnectionEvent]struct{}),
		ready:    make(chan struct{}),
	}
}

// Handle describes a running server: where it bound and how to wait
// for or trigger its shutdown.
type Handle struct {
	LocalAddr net.Addr
	server    *Server
}

// IsFinished reports whether the accept loop has fully stopped.
func (h Handle) IsFinished() bool {
	select {
	case <-h.server.stopAck:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting new connections and waits up to the
// configured deadline for in-flight connections to drain, then force
// closes whatever remains.
func (h Handle) Shutdown(ctx context.Context) error {
	return h.server.shutdown(ctx)
}

// Shutdown is the ListenAndServe-side counterpart of Handle.Shutdown,
// for callers that only have a *Server (every caller blocked inside
// ListenAndServe never receives a Handle) rather than the Handle
// Listen returns.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.shutdown(ctx)
}

// bind opens the QUIC listener and resets the accept-loop state,
// shared by both entry points below.
func (s *Server) bind() (*quic.Listener, error) {
	listener, err := transport.Listen(s.cfg.ListenAddr, s.cfg.TLS, s.cfg.QUIC)
	if err != nil {
		return nil, unisonerr.Wrap(unisonerr.KindInternal, "binding QUIC listener", err)
	}
	s.listener = listener
	s.identity.Channels = s.mux.ChannelInfos()

	s.acceptCtx, s.cancelAccept = context.WithCancel(context.Background())
	s.stopAck = make(chan struct{})
	close(s.ready)
	return listener, nil
}

// Ready closes once the listener is bound and Addr is safe to read;
// useful for a goroutine that started ListenAndServe elsewhere and
// needs to learn the bound address.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Listen binds the QUIC listener and starts the accept loop in the
// background, returning immediately with a Handle. Mirrors the
// teacher's Start() returning before the accept goroutine has done
// any work, with the accept loop itself started via "go". This is
// the non-blocking spawn_listen half of the server's two-operation
// contract; see ListenAndServe for the blocking listen half.
func (s *Server) Listen() (Handle, error) {
	listener, err := s.bind()
	if err != nil {
		return Handle{}, err
	}

	go s.acceptLoop()

	return Handle{LocalAddr: listener.Addr(), server: s}, nil
}

// ListenAndServe binds the QUIC listener and then runs the accept
// loop on the calling goroutine, blocking until Shutdown is called
// (from another goroutine holding this *Server). Accept errors other
// than the one Shutdown causes are logged and do not end the loop.
// This is the blocking listen half of the server's
// two-operation contract, grounded on original_source's
// UnisonServer::listen blocking on quic_server.start().await, as
// opposed to Listen/spawn_listen's immediate-return variant.
func (s *Server) ListenAndServe() error {
	if _, err := s.bind(); err != nil {
		return err
	}

	s.acceptLoop()
	return nil
}

// Addr returns the address ListenAndServe or Listen bound to, or nil
// before binding has happened.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer close(s.stopAck)

	for {
		conn, err := s.listener.Accept(s.acceptCtx)
		if err != nil {
			if s.acceptCtx.Err() != nil {
				return
			}
			log.WithError(err).Warn("unisonserver: error accepting QUIC connection")
			continue
		}
		s.connWG.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn quic.Connection) {
	defer s.connWG.Done()

	connID := uuid.New()
	s.connMu.Lock()
	s.conns[connID] = conn
	s.connMu.Unlock()

	remote := conn.RemoteAddr().String()
	s.broadcast(ConnectionEvent{Kind: ConnectionEstablished, ConnectionID: connID, RemoteAddr: remote})
	log.WithFields(log.Fields{"connection": connID, "remote": remote}).Info("unisonserver: accepted connection")

	if err := s.sendIdentity(conn); err != nil {
		log.WithFields(log.Fields{"connection": connID, "error": err}).Warn("unisonserver: failed to send identity")
		_ = conn.CloseWithError(0, "identity handshake failed")
	} else {
		ctx := session.New()
		ctx.ConnectionID = connID
		s.serveStreams(conn, ctx)
	}

	s.connMu.Lock()
	delete(s.conns, connID)
	s.connMu.Unlock()
	s.broadcast(ConnectionEvent{Kind: ConnectionLost, ConnectionID: connID, RemoteAddr: remote})
}

// sendIdentity opens a dedicated stream and writes the server's
// identity as a single Event frame with id 0 (it never expects a
// Response), matching the reserved __identity method of spec §4.4.
func (s *Server) sendIdentity(conn quic.Connection) error {
	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return err
	}

	msg, err := protocol.NewEvent(0, protocol.ReservedIdentityMethod, s.identity)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	packet, err := wire.Encode(wire.Fields{
		PacketType: wire.TypeHandshake,
		StreamID:   uint64(stream.StreamID()),
	}, body, s.cfg.Codec)
	if err != nil {
		return err
	}
	if err := frame.WriteTyped(stream, frame.TagProtocol, packet); err != nil {
		return err
	}
	return stream.Close()
}

// serveStreams accepts every subsequent client-initiated stream on
// conn and hands each off to the mux for channel-open dispatch,
// following the teacher's handleConnection/handleStream split in
// pkg/cla/quicl/endpoint.go.
func (s *Server) serveStreams(conn quic.Connection, connCtx *session.Context) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			log.WithFields(log.Fields{"connection": connCtx.ConnectionID, "error": err}).
				Debug("unisonserver: connection closed")
			return
		}
		go s.mux.Dispatch(context.Background(), stream, uint64(stream.StreamID()), mux.Config{
			Codec:          s.cfg.Codec,
			EventQueueSize: s.cfg.EventQueueSize,
		})
	}
}

// SubscribeConnectionEvents returns a channel of future ConnectionEvents.
// Call unsubscribe (the returned func) when done to stop receiving and
// release the channel.
func (s *Server) SubscribeConnectionEvents() (<-chan ConnectionEvent, func()) {
	ch := make(chan ConnectionEvent, s.cfg.subscriberQueueSize())
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (s *Server) broadcast(ev ConnectionEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("event", ev).Debug("unisonserver: dropping connection event, subscriber queue full")
		}
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	s.cancelAccept()
	_ = s.listener.Close()

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()

	deadline := time.After(s.cfg.shutdownDeadline())
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	case <-deadline:
	}

	s.connMu.Lock()
	remaining := make(map[uuid.UUID]quic.Connection, len(s.conns))
	for id, conn := range s.conns {
		remaining[id] = conn
	}
	s.connMu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var closeErrs error
	for id, conn := range remaining {
		id, conn := id, conn
		g.Go(func() error {
			err := conn.CloseWithError(0, "server shutting down")
			log.WithField("connection", id).Debug("unisonserver: force-closed connection on shutdown deadline")
			if err != nil {
				mu.Lock()
				closeErrs = multierror.Append(closeErrs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return closeErrs
}
