// Command unisond runs a standalone Unison server: it loads a TOML
// configuration, registers a couple of demonstration channels, and
// serves until interrupted.
//
// Grounded on the teacher's cmd/dtnd/main.go: a single required
// configuration.toml argument, a SIGINT-driven shutdown via a
// syn/ack channel pair, and log-configured-before-anything-else
// ordering.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/unison/internal/config"
	"github.com/dtn7/unison/pkg/channel"
	"github.com/dtn7/unison/pkg/mux"
	"github.com/dtn7/unison/pkg/protocol"
	"github.com/dtn7/unison/pkg/server"
	"github.com/dtn7/unison/pkg/transport"
	"github.com/dtn7/unison/pkg/wire"
)

// waitSigint blocks until SIGINT, mirroring the teacher's
// signalSyn/signalAck pair in cmd/dtnd/main.go.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := config.Load(os.Args[1])
	if err != nil {
		log.WithField("error", err).Fatal("unisond: failed to parse configuration")
	}
	config.ApplyLogging(conf.Logging)

	watcher, err := config.Watch(os.Args[1], config.ApplyLogging)
	if err != nil {
		log.WithField("error", err).Warn("unisond: could not start config file watcher, hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	m := mux.New()
	registerDemoChannels(m)

	codec := wire.Config{
		CompressionThreshold: conf.Wire.CompressionThreshold,
		DisableCompression:   conf.Wire.DisableCompression,
		Checksum:              conf.Wire.Checksum,
	}
	if conf.Wire.Algorithm == "xz" {
		codec.Algorithm = wire.AlgorithmXZ
	}

	tlsSource := certSourceFromConfig(conf.Server)
	tlsConf, err := tlsSource.ServerTLSConfig()
	if err != nil {
		log.WithField("error", err).Fatal("unisond: failed to build TLS configuration")
	}

	identity := protocol.ServerIdentity{
		Name:      "unisond",
		Version:   "0.1.0",
		Namespace: conf.Server.Namespace,
	}

	srv := server.New(identity, m, server.Config{
		ListenAddr:       conf.Server.ListenAddr,
		TLS:              tlsConf,
		Codec:            codec,
		EventQueueSize:   conf.Wire.EventQueueSize,
		ShutdownDeadline: time.Duration(conf.Server.ShutdownSeconds) * time.Second,
	})

	handle, err := srv.Listen()
	if err != nil {
		log.WithField("error", err).Fatal("unisond: failed to start listening")
	}
	log.WithField("address", handle.LocalAddr).Info("unisond: listening")

	statusHandler := server.NewStatusHandler(srv)
	go func() {
		if err := http.ListenAndServe("127.0.0.1:8088", statusHandler); err != nil {
			log.WithField("error", err).Warn("unisond: status endpoint stopped")
		}
	}()

	waitSigint()
	log.Info("unisond: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handle.Shutdown(ctx); err != nil {
		log.WithField("error", err).Warn("unisond: shutdown reported errors")
	}
}

func certSourceFromConfig(conf config.ServerConf) transport.CertSource {
	if conf.CertFile != "" && conf.KeyFile != "" {
		return transport.FileCertSource{CertFile: conf.CertFile, KeyFile: conf.KeyFile}
	}
	return transport.SelfSignedCertSource{}
}

// registerDemoChannels wires up two minimal channels so a freshly
// started unisond has something to exercise: "echo" answers every
// request with its own payload, and "events" pushes a tick every
// second to whoever opens it.
func registerDemoChannels(m *mux.Mux) {
	m.Register("echo", protocol.Bidirectional, protocol.Persistent, func(ctx context.Context, ch *channel.Channel) {
		for {
			msg, err := ch.Recv(ctx)
			if err != nil {
				return
			}
			if err := ch.SendResponse(msg.ID, msg.Method, msg.Payload); err != nil {
				return
			}
		}
	})

	m.Register("events", protocol.ServerToClient, protocol.Transient, func(ctx context.Context, ch *channel.Channel) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-ticker.C:
				n++
				if err := ch.SendEvent("tick", map[string]int{"n": n}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
}
