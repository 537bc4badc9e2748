// Package integration runs the client and server packages against a
// real loopback QUIC listener, the way the teacher's
// pkg/cla/mtcp/server_client_test.go spins up a genuine TCP listener
// instead of mocking the transport.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/dtn7/unison/pkg/client"
	"github.com/dtn7/unison/pkg/channel"
	"github.com/dtn7/unison/pkg/mux"
	"github.com/dtn7/unison/pkg/protocol"
	"github.com/dtn7/unison/pkg/server"
	"github.com/dtn7/unison/pkg/transport"
)

func startTestServer(t *testing.T, register func(m *mux.Mux)) (server.Handle, *server.Server) {
	t.Helper()

	tlsConf, err := transport.SelfSignedCertSource{}.ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	m := mux.New()
	register(m)

	identity := protocol.ServerIdentity{Name: "test-server", Version: "0.0.0"}
	srv := server.New(identity, m, server.Config{
		ListenAddr:       "127.0.0.1:0",
		TLS:              tlsConf,
		ShutdownDeadline: time.Second,
	})

	handle, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = handle.Shutdown(ctx)
	})
	return handle, srv
}

func dialTestClient(t *testing.T, addr string) *client.Client {
	t.Helper()

	clientTLS, err := transport.ClientTLSConfig{AllowInsecure: true}.Build()
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, addr, client.Config{TLS: clientTLS})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

// S1: request/response across a real connection.
func TestRequestResponseEndToEnd(t *testing.T) {
	handle, _ := startTestServer(t, func(m *mux.Mux) {
		m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {
			msg, err := ch.Recv(ctx)
			if err != nil {
				return
			}
			_ = ch.SendResponse(msg.ID, msg.Method, map[string]string{"echo": "pong"})
		})
	})

	c := dialTestClient(t, handle.LocalAddr.String())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := c.OpenChannel(ctx, "echo")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	resp, err := ch.Request(ctx, "ping", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.MsgType != protocol.Response {
		t.Fatalf("msg_type = %v, want Response", resp.MsgType)
	}
}

// S2: server pushes unsolicited events to the client.
func TestEventPushEndToEnd(t *testing.T) {
	handle, _ := startTestServer(t, func(m *mux.Mux) {
		m.Register("events", protocol.ServerToClient, protocol.Transient, func(ctx context.Context, ch *channel.Channel) {
			_ = ch.SendEvent("tick", map[string]int{"n": 1})
			<-ctx.Done()
		})
	})

	c := dialTestClient(t, handle.LocalAddr.String())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := c.OpenChannel(ctx, "events")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	msg, err := ch.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.MsgType != protocol.Event || msg.Method != "tick" {
		t.Fatalf("got %+v", msg)
	}
}

// S3: opening an unregistered channel surfaces as an error, not a hang.
func TestUnknownChannelEndToEnd(t *testing.T) {
	handle, _ := startTestServer(t, func(m *mux.Mux) {})

	c := dialTestClient(t, handle.LocalAddr.String())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.OpenChannel(ctx, "does-not-exist"); err == nil {
		t.Fatal("expected an error opening an unregistered channel")
	}
}

// S4: one channel's full event queue must not stall a sibling channel
// on the same connection (head-of-line isolation across streams).
func TestChannelIsolationUnderBackpressure(t *testing.T) {
	handle, _ := startTestServer(t, func(m *mux.Mux) {
		m.Register("noisy", protocol.ServerToClient, protocol.Transient, func(ctx context.Context, ch *channel.Channel) {
			for i := 0; i < channel.DefaultEventQueueSize+10; i++ {
				if err := ch.SendEvent("spam", i); err != nil {
					return
				}
			}
			<-ctx.Done()
		})
		m.Register("quiet", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {
			msg, err := ch.Recv(ctx)
			if err != nil {
				return
			}
			_ = ch.SendResponse(msg.ID, msg.Method, "ok")
		})
	})

	c := dialTestClient(t, handle.LocalAddr.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Open "noisy" but never drain its event queue, forcing its recv
	// loop to suspend once the queue fills.
	if _, err := c.OpenChannel(ctx, "noisy"); err != nil {
		t.Fatalf("OpenChannel(noisy): %v", err)
	}

	quiet, err := c.OpenChannel(ctx, "quiet")
	if err != nil {
		t.Fatalf("OpenChannel(quiet): %v", err)
	}

	resp, err := quiet.Request(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("quiet channel Request stalled or failed: %v", err)
	}
	if resp.MsgType != protocol.Response {
		t.Fatalf("got %+v", resp)
	}
}

// S5: raw bytes bypass the packet codec entirely.
func TestRawBytesEndToEnd(t *testing.T) {
	handle, _ := startTestServer(t, func(m *mux.Mux) {
		m.Register("blob", protocol.Bidirectional, protocol.Transient, func(ctx context.Context, ch *channel.Channel) {
			data, err := ch.RecvRaw(ctx)
			if err != nil {
				return
			}
			_ = ch.SendRaw(data)
		})
	})

	c := dialTestClient(t, handle.LocalAddr.String())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := c.OpenChannel(ctx, "blob")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	payload := []byte{9, 8, 7, 6, 5}
	if err := ch.SendRaw(payload); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	got, err := ch.RecvRaw(ctx)
	if err != nil {
		t.Fatalf("RecvRaw: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

// S6: with a client still connected after a completed request,
// Shutdown returns without error within its deadline and the accept
// loop stops.
func TestGracefulShutdownEndToEnd(t *testing.T) {
	handle, _ := startTestServer(t, func(m *mux.Mux) {
		m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {
			for {
				msg, err := ch.Recv(ctx)
				if err != nil {
					return
				}
				_ = ch.SendResponse(msg.ID, msg.Method, msg.Payload)
			}
		})
	})

	c := dialTestClient(t, handle.LocalAddr.String())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := c.OpenChannel(ctx, "echo")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if _, err := ch.Request(ctx, "ping", "1"); err != nil {
		t.Fatalf("Request before shutdown: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := handle.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !handle.IsFinished() {
		t.Fatal("accept loop did not stop after Shutdown")
	}
}

// Exercises the blocking listen half of the server's two-operation
// contract (ListenAndServe), as distinct from the non-blocking
// Listen/spawn_listen tested above.
func TestListenAndServeBlocksUntilShutdown(t *testing.T) {
	tlsConf, err := transport.SelfSignedCertSource{}.ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	m := mux.New()
	m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {
		msg, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		_ = ch.SendResponse(msg.ID, msg.Method, "ok")
	})

	srv := server.New(protocol.ServerIdentity{Name: "test-server"}, m, server.Config{
		ListenAddr:       "127.0.0.1:0",
		TLS:              tlsConf,
		ShutdownDeadline: time.Second,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe never bound its listener")
	}

	c := dialTestClient(t, srv.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := c.OpenChannel(ctx, "echo")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if _, err := ch.Request(ctx, "ping", "1"); err != nil {
		t.Fatalf("Request: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("ListenAndServe returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after Shutdown")
	}
}
