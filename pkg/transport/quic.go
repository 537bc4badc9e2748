package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultQUICConfig mirrors the expected transport parameters from
// spec §4.3: max idle timeout 60s, keepalive 10s, at least 1000
// concurrent bidirectional streams. The initial RTT estimate is not set
// here; quic-go's built-in default applies.
// Grounded on the shape of the teacher's GenerateQUICConfig, which
// sets the same handful of fields on *quic.Config.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       60 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
		MaxIncomingStreams:   1024,
		HandshakeIdleTimeout: 10 * time.Second,
	}
}

// Dial establishes a QUIC connection to addr with TLS 1.3, following
// the teacher's endpoint.go dialer path (quic.DialAddr with a
// pre-built TLS config and quic.Config).
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (quic.Connection, error) {
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}
	return quic.DialAddr(ctx, addr, tlsConf, quicConf)
}

// Listen binds a QUIC listener on addr (expected to be an IPv6
// wildcard such as "[::]:port" per spec §4.3). Mirrors the teacher's
// listener.go Start method.
func Listen(addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Listener, error) {
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}
	return quic.ListenAddr(addr, tlsConf, quicConf)
}
