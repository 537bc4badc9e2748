// Package transport wraps quic-go's client and server APIs into the
// shapes Unison needs: a dialer that connects with TLS 1.3, a listener
// that binds on IPv6, and a TLS identity sourced from explicit files,
// embedded assets, or a freshly generated self-signed certificate.
//
// Adapted from the teacher's pkg/cla/quicl/internal/util.go, which
// builds a bare-bones self-signed listener TLS config and an
// InsecureSkipVerify dialer config for the same reason: QUIC requires
// TLS 1.3 and the teacher's CLAs don't ship a CA-signed certificate.
package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"

	log "github.com/sirupsen/logrus"
)

// NextProto is the ALPN protocol string negotiated by every Unison
// connection.
const NextProto = "unison/1"

// CertSource builds a *tls.Config for the listening side. Priority, per
// spec §4.3, is explicit files first, then embedded assets, then a
// freshly generated self-signed certificate.
type CertSource interface {
	ServerTLSConfig() (*tls.Config, error)
}

// FileCertSource loads a certificate/key pair from disk.
type FileCertSource struct {
	CertFile string
	KeyFile  string
}

func (f FileCertSource) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// EmbeddedCertSource serves a certificate/key pair baked into the host
// binary (e.g. via go:embed), bypassing the filesystem entirely.
type EmbeddedCertSource struct {
	CertPEM []byte
	KeyPEM  []byte
}

func (e EmbeddedCertSource) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(e.CertPEM, e.KeyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// SelfSignedCertSource generates a fresh RSA-2048 self-signed
// certificate on every call; used when neither files nor embedded
// assets are configured. Mirrors the teacher's
// GenerateSimpleListenerTLSConfig.
type SelfSignedCertSource struct{}

func (SelfSignedCertSource) ServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	log.Warn("unison: generated an ephemeral self-signed certificate, not production-safe")
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig builds the dialer-side TLS config. The spec requires
// production deployments to supply a verifier; AllowInsecure must be
// set explicitly to fall back to the development shortcut of skipping
// certificate verification entirely.
type ClientTLSConfig struct {
	// Verifier, when set, is installed as VerifyPeerCertificate.
	Verifier func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
	// AllowInsecure permits building a config with neither Verifier
	// nor the default system root verification, matching the
	// teacher's GenerateSimpleDialerTLSConfig. NOT production-safe.
	AllowInsecure bool
}

func (c ClientTLSConfig) Build() (*tls.Config, error) {
	if c.Verifier == nil && !c.AllowInsecure {
		return nil, errMissingVerifier
	}
	cfg := &tls.Config{NextProtos: []string{NextProto}, MinVersion: tls.VersionTLS13}
	if c.Verifier != nil {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = c.Verifier
	} else {
		cfg.InsecureSkipVerify = true
		log.Warn("unison: client TLS verification disabled (AllowInsecure); not production-safe")
	}
	return cfg, nil
}

var errMissingVerifier = &tlsConfigError{"client TLS config needs a Verifier or explicit AllowInsecure"}

type tlsConfigError struct{ msg string }

func (e *tlsConfigError) Error() string { return e.msg }
