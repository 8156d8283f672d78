// Package tlssocket wraps the client side of a TLS connection used first to
// carry the SSL-VPN portal login, then promoted to carry framed PPP.
//
// It is built on uTLS rather than crypto/tls so that the cipher suite list
// and ClientHelloID can be pinned explicitly instead of following the Go
// runtime's negotiation defaults, mirroring the curated mbedTLS suite list
// the original client configures in TlsConfig.
package tlssocket

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
)

// Phase models the socket's lifecycle, mirroring the original TlsSocket's
// implicit connect/handshake/close-notify progression.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseConnecting
	PhaseHandshaking
	PhaseReady
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseReady:
		return "ready"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ErrFingerprintMismatch is returned when the peer's leaf certificate does
// not match a previously pinned fingerprint.
var ErrFingerprintMismatch = errors.New("tlssocket: peer certificate fingerprint mismatch")

// Config carries the curated TLS parameters for a Socket.
type Config struct {
	// ServerName is used for SNI and, unless InsecureSkipVerify, for
	// hostname verification.
	ServerName string

	// InsecureSkipVerify disables the default certificate chain
	// verification. PinnedFingerprint, when set, is still enforced.
	InsecureSkipVerify bool

	// RootCAs overrides the system trust store, for a firewall that
	// presents a private CA.
	RootCAs *x509.CertPool

	// PinnedFingerprint, when non-nil, is the SHA-256 digest of the
	// expected leaf certificate. The handshake fails with
	// ErrFingerprintMismatch if the peer presents a different leaf, which
	// is how the carrier reconnect/pinning supervisor (internal/reconnect)
	// rejects a firewall swapped out mid-session.
	PinnedFingerprint []byte

	// CipherSuites restricts negotiation to this curated list. A nil
	// slice uses CuratedCipherSuites.
	CipherSuites []uint16

	// HelloID selects the ClientHello fingerprint uTLS emits. The zero
	// value (utls.ClientHelloID{}) lets uTLS pick its default, which is
	// sufficient here since the peer is a known Fortinet appliance, not a
	// censor doing active fingerprinting.
	HelloID utls.ClientHelloID

	// VerifyOverride is consulted when the built-in chain verification
	// fails (DNSName mismatch, untrusted root, expired, ...). It receives
	// the peer's certificate chain and the verification error and may
	// return true to accept the connection anyway. A nil VerifyOverride
	// makes chain verification failures fatal. Not consulted when
	// PinnedFingerprint is set or InsecureSkipVerify is true.
	VerifyOverride func(chain []*x509.Certificate, verifyErr error) bool
}

// CuratedCipherSuites is the TLS 1.2 suite list the spec requires; TLS 1.3
// suites are fixed by the protocol and are not user-selectable.
var CuratedCipherSuites = []uint16{
	utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// Socket is a client TLS connection with a captured leaf-certificate
// fingerprint, used by internal/login before promotion and by
// internal/tunnel as the PPP carrier after promotion. It is not safe for
// concurrent use by multiple goroutines except Close, which may race a
// blocked Recv.
type Socket struct {
	cfg Config

	mu    sync.Mutex
	phase Phase

	raw  net.Conn
	conn *utls.UConn

	leafFingerprint []byte
	peerCert        *x509.Certificate
}

// New returns a Socket configured with cfg. Connect must be called before
// any I/O.
func New(cfg Config) *Socket {
	return &Socket{cfg: cfg, phase: PhaseClosed}
}

// Phase returns the socket's current lifecycle phase.
func (s *Socket) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Connect dials addr over TCP and performs the TLS handshake, verifying the
// peer certificate per cfg. It blocks until the handshake completes, fails,
// or ctx is done.
func (s *Socket) Connect(ctx context.Context, network, addr string) error {
	s.mu.Lock()
	if s.phase != PhaseClosed {
		s.mu.Unlock()
		return fmt.Errorf("tlssocket: connect called in phase %s", s.phase)
	}
	s.phase = PhaseConnecting
	s.mu.Unlock()

	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		s.setPhase(PhaseClosed)
		return fmt.Errorf("tlssocket: dial %s: %w", addr, err)
	}

	suites := s.cfg.CipherSuites
	if suites == nil {
		suites = CuratedCipherSuites
	}

	uconfig := &utls.Config{
		ServerName:         s.cfg.ServerName,
		InsecureSkipVerify: true, // verification is done manually below, pinning included
		RootCAs:            s.cfg.RootCAs,
		CipherSuites:       suites,
	}

	conn := utls.UClient(raw, uconfig, s.cfg.HelloID)

	s.mu.Lock()
	s.raw = raw
	s.conn = conn
	s.phase = PhaseHandshaking
	s.mu.Unlock()

	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		s.setPhase(PhaseClosed)
		return fmt.Errorf("tlssocket: handshake: %w", err)
	}

	if err := s.verifyPeer(conn); err != nil {
		_ = conn.Close()
		s.setPhase(PhaseClosed)
		return err
	}

	s.setPhase(PhaseReady)
	return nil
}

func (s *Socket) verifyPeer(conn *utls.UConn) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return errors.New("tlssocket: peer presented no certificate")
	}
	leaf := state.PeerCertificates[0]
	sum := sha256.Sum256(leaf.Raw)
	fingerprint := sum[:]

	if s.cfg.PinnedFingerprint != nil {
		if !bytesEqual(fingerprint, s.cfg.PinnedFingerprint) {
			return ErrFingerprintMismatch
		}
	} else if !s.cfg.InsecureSkipVerify {
		opts := x509.VerifyOptions{
			DNSName:       s.cfg.ServerName,
			Roots:         s.cfg.RootCAs,
			Intermediates: x509.NewCertPool(),
		}
		for _, c := range state.PeerCertificates[1:] {
			opts.Intermediates.AddCert(c)
		}
		if _, err := leaf.Verify(opts); err != nil {
			if s.cfg.VerifyOverride == nil || !s.cfg.VerifyOverride(state.PeerCertificates, err) {
				return fmt.Errorf("tlssocket: certificate verification failed: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.leafFingerprint = fingerprint
	s.peerCert = leaf
	s.mu.Unlock()
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LeafFingerprint returns the SHA-256 digest of the peer's leaf certificate
// captured during the handshake, or nil before Connect succeeds.
func (s *Socket) LeafFingerprint() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leafFingerprint
}

// PeerCertificate returns the peer's leaf certificate, or nil before
// Connect succeeds.
func (s *Socket) PeerCertificate() *x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCert
}

// CipherSuite returns the negotiated cipher suite's IANA name.
func (s *Socket) CipherSuite() string {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ""
	}
	return utls.CipherSuiteName(conn.ConnectionState().CipherSuite)
}

// TLSVersion returns the negotiated protocol version string.
func (s *Socket) TLSVersion() string {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ""
	}
	switch conn.ConnectionState().Version {
	case utls.VersionTLS13:
		return "TLSv1.3"
	case utls.VersionTLS12:
		return "TLSv1.2"
	default:
		return "unknown"
	}
}

// Read implements io.Reader over the handshaked connection.
func (s *Socket) Read(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, net.ErrClosed
	}
	return conn.Read(buf)
}

// Write implements io.Writer over the handshaked connection.
func (s *Socket) Write(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, net.ErrClosed
	}
	return conn.Write(buf)
}

// SetDeadline forwards to the underlying connection. The PPP link does not
// call it; its keep-alives are driven by its own ticker.
func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	return conn.SetDeadline(t)
}

// Close sends close_notify where possible and releases the underlying
// socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseClosing
	conn := s.conn
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	s.setPhase(PhaseClosed)
	return err
}

func (s *Socket) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}
