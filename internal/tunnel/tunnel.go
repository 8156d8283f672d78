// Package tunnel drives one SSL-VPN session end to end: it owns the TLS
// carrier, the PPP link running over it, the embedded IP stack the link
// feeds, and the set of port forwarders bridging accepted local
// connections to the remote host behind the firewall.
//
// Start launches one run goroutine, which in turn starts goroutines of
// their own for the PPP link, the outbound packet pump, the accept loop and
// each forwarder; stack, link and forwarder calls are therefore not
// confined to a single goroutine. The control surface (WaitListening,
// Counters, Terminate) is safe to call from any goroutine.
package tunnel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jnmeurisse/fortirdp-go/internal/forwarder"
	"github.com/jnmeurisse/fortirdp-go/internal/ipstack"
	"github.com/jnmeurisse/fortirdp-go/internal/login"
	"github.com/jnmeurisse/fortirdp-go/internal/ppp"
	"github.com/jnmeurisse/fortirdp-go/internal/profile"
	"github.com/jnmeurisse/fortirdp-go/internal/tlssocket"
	"github.com/jnmeurisse/fortirdp-go/internal/tunnelcfg"
)

// State is the tunnel's lifecycle state (net::Tunneler::State).
type State int

const (
	StateReady State = iota
	StateConnecting
	StateRunning
	StateClosing
	StateDisconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateDisconnecting:
		return "disconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// abortGrace is how long Terminate waits, once it has asked every
// forwarder to abort, before giving up on a clean RST and tearing the PPP
// link down anyway (original: sys_timeout(1000, ...) in the CLOSING state).
const abortGrace = 1 * time.Second

// zombieDeadline bounds how long Terminate waits for the PPP link to
// report it is down before abandoning it. The original leaked its lwIP
// PPP descriptor on this path "on purpose" rather than risk a second
// close of a still-live descriptor; here the link's goroutine is likewise
// abandoned and a warning is logged. The link's phase is not changed to
// ppp.PhaseZombie.
const zombieDeadline = 50 * time.Second

// mtu is the interface MTU reported to the embedded IP stack. The
// Fortinet carrier's own frame length cap (fortiframe.MaxPayload) is well
// above typical link MTUs, so this is sized for ordinary Ethernet.
const mtu = 1500

// Tunnel is one running SSL-VPN session.
type Tunnel struct {
	profile *profile.Profile
	opts    tunnelcfg.Options

	carrier *tlssocket.Socket
	link    *ppp.Link
	stack   *ipstack.Stack

	listener net.Listener
	fwds     *forwarderSet

	mu        sync.Mutex
	state     State
	localAddr netip.Addr
	peerAddr  netip.Addr

	sentBytes     atomic.Uint64
	receivedBytes atomic.Uint64

	terminating atomic.Bool
	listening   chan struct{}
	listenOnce  sync.Once
	stopped     chan struct{}
}

// Start authenticates against the firewall described by p, brings up the
// PPP link and embedded IP stack over the resulting carrier, and starts
// accepting local connections on p.LocalPort once the link is up. It
// returns once the background event-loop goroutine has been launched;
// callers wanting to block until the tunnel is actually listening should
// call WaitListening.
func Start(ctx context.Context, p *profile.Profile, opts tunnelcfg.Options) (*Tunnel, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("tunnel: invalid profile: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("tunnel: invalid options: %w", err)
	}

	var pinned []byte
	if p.TrustedCert != "" {
		digest, err := hex.DecodeString(p.TrustedCert)
		if err != nil {
			return nil, fmt.Errorf("tunnel: profile trusted_cert is not a hex SHA-256 digest: %w", err)
		}
		pinned = digest
	}

	carrier, err := login.Login(ctx, p, login.Options{
		HandshakeTimeout:  opts.HandshakeTimeout(),
		PinnedFingerprint: pinned,
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: login: %w", err)
	}

	t := &Tunnel{
		profile:   p,
		opts:      opts,
		carrier:   carrier,
		fwds:      newForwarderSet(opts.MaxClients),
		state:     StateConnecting,
		listening: make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	go t.run(ctx)

	return t, nil
}

// WaitListening blocks until the tunnel's local listener is accepting
// connections, or timeout elapses. It returns false on timeout or if the
// tunnel stopped before reaching that point.
func (t *Tunnel) WaitListening(timeout time.Duration) bool {
	select {
	case <-t.listening:
		return t.State() == StateRunning || t.State() == StateClosing
	case <-t.stopped:
		return false
	case <-time.After(timeout):
		return false
	}
}

// LocalAddr returns the address the tunnel's local listener is bound to,
// or nil before the listener is created.
func (t *Tunnel) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Fingerprint returns the SHA-256 digest of the firewall's leaf
// certificate observed during login, for callers that need to pin it
// across a reconnect (see internal/reconnect).
func (t *Tunnel) Fingerprint() []byte {
	return t.carrier.LeafFingerprint()
}

// Counters returns the cumulative bytes sent to and received from the
// firewall over the carrier (not the per-forwarder forwarded/replied
// counts, which are a property of each forwarder.Forwarder).
func (t *Tunnel) Counters() (sent, received uint64) {
	return t.sentBytes.Load(), t.receivedBytes.Load()
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Terminate asks the tunnel to shut down: forwarders are aborted, the PPP
// link is closed, and the embedded stack is torn down. It returns once
// the tunnel has fully stopped or the zombie deadline has passed,
// whichever comes first.
func (t *Tunnel) Terminate() {
	t.terminating.Store(true)
	<-t.stopped
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tunnel) run(ctx context.Context) {
	defer close(t.stopped)

	linkCtx, cancelLink := context.WithCancel(ctx)
	defer cancelLink()

	upCh := make(chan struct{})
	downCh := make(chan error, 1)

	carrierIO := &countingConn{conn: t.carrier, sent: &t.sentBytes, received: &t.receivedBytes}

	t.link = ppp.NewLink(carrierIO, ppp.Callbacks{
		OnUp: func(local, peer netip.Addr) {
			t.mu.Lock()
			t.localAddr, t.peerAddr = local, peer
			t.mu.Unlock()
			close(upCh)
		},
		OnDown: func(err error) {
			select {
			case downCh <- err:
			default:
			}
		},
		OnIPPacket: func(packet []byte) {
			if t.stack != nil {
				t.stack.DeliverInbound(packet)
			}
		},
	}, ppp.Options{
		KeepAlive: t.opts.KeepAlive(),
	})

	linkErrCh := make(chan error, 1)
	go func() { linkErrCh <- t.link.Run(linkCtx) }()

	select {
	case <-upCh:
	case err := <-linkErrCh:
		slog.Error("tunnel: PPP link failed before coming up", "error", err)
		t.setState(StateStopped)
		return
	case <-ctx.Done():
		t.setState(StateStopped)
		return
	}

	st, err := ipstack.New(t.localAddr, mtu)
	if err != nil {
		slog.Error("tunnel: embedded IP stack failed to start", "error", err)
		cancelLink()
		t.setState(StateStopped)
		return
	}
	t.stack = st

	stackDone := make(chan struct{})
	go t.pumpOutbound(linkCtx, stackDone)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.profile.LocalPort))
	if err != nil {
		slog.Error("tunnel: local listener failed to start", "error", err)
		cancelLink()
		t.setState(StateStopped)
		return
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.setState(StateRunning)
	slog.Info("tunnel is up", "local_addr", t.localAddr, "peer_addr", t.peerAddr, "listen", listener.Addr())
	t.listenOnce.Do(func() { close(t.listening) })

	acceptDone := make(chan struct{})
	go t.acceptLoop(linkCtx, listener, acceptDone)

	t.waitForTerminate(linkCtx, cancelLink, downCh, linkErrCh)

	_ = listener.Close()
	<-acceptDone
	<-stackDone
	t.stack.Close()
	_ = t.carrier.Close()

	t.setState(StateStopped)
	slog.Info("tunnel is down")
}

// waitForTerminate blocks until either Terminate is called or the link
// reports it went down on its own, then drives the Closing/Disconnecting
// shutdown sequence from spec §4.7.
func (t *Tunnel) waitForTerminate(ctx context.Context, cancelLink context.CancelFunc, downCh <-chan error, linkErrCh <-chan error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	linkDown := false
	for !linkDown && !t.terminating.Load() {
		select {
		case <-downCh:
			linkDown = true
		case <-ctx.Done():
			linkDown = true
		case <-ticker.C:
		}
	}

	t.setState(StateClosing)

	if t.fwds.abortAll() > 0 {
		time.Sleep(abortGrace)
	}

	t.setState(StateDisconnecting)
	cancelLink()

	select {
	case <-linkErrCh:
	case <-time.After(zombieDeadline):
		slog.Warn("tunnel: PPP link did not report down before the zombie deadline; abandoning it", "deadline", zombieDeadline)
	}
}

func (t *Tunnel) pumpOutbound(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		packet := t.stack.ReadOutbound(ctx)
		if packet == nil {
			return
		}
		if err := t.link.SendIP(packet); err != nil {
			if !errors.Is(err, ppp.ErrLinkDown) {
				slog.Debug("tunnel: failed to send outbound IP packet", "error", err)
			}
			return
		}
	}
}

// acceptLoop reserves a forwarder slot before every Accept. While
// max_clients is saturated it simply does not call Accept, leaving any
// pending connection in the kernel's listen backlog until a forwarder
// releases its slot, rather than accepting the surplus connection only
// to close it.
func (t *Tunnel) acceptLoop(ctx context.Context, listener net.Listener, done chan<- struct{}) {
	defer close(done)
	for {
		if !t.fwds.acquire(ctx) {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			t.fwds.releaseSlot()
			return
		}
		go t.serveForwarder(ctx, conn)
	}
}

func (t *Tunnel) serveForwarder(ctx context.Context, external net.Conn) {
	fwd := forwarder.New(external, forwarder.Config{
		TCPNoDelay:     t.opts.TCPNoDelay,
		ConnectTimeout: t.opts.ConnectTimeout(),
	})
	handle := t.fwds.register(fwd)
	defer t.fwds.release(handle)

	remote := netip.AddrPortFrom(mustResolveRemote(t.profile.Remote.Host), uint16(t.profile.Remote.Port))
	if err := fwd.Connect(ctx, t.stack, remote); err != nil {
		slog.Debug("tunnel: forwarder failed to connect", "remote", remote, "error", err)
		return
	}
	<-ctx.Done()
	fwd.Disconnect()
}

// mustResolveRemote parses host as a literal IP; a profile's Remote.Host
// is validated at Profile.Validate time to be either a literal IP or a
// hostname, and DNS resolution for the latter is out of scope (spec: the
// tunnel forwards to a single, pre-resolved remote host).
func mustResolveRemote(host string) netip.Addr {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		slog.Error("tunnel: remote host is not a literal IP address", "host", host)
		return netip.IPv4Unspecified()
	}
	return addr
}

// countingConn wraps the carrier so the tunnel-level byte counters stay
// accurate without requiring internal/ppp or internal/tlssocket to know
// anything about statistics.
type countingConn struct {
	conn     *tlssocket.Socket
	sent     *atomic.Uint64
	received *atomic.Uint64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if n > 0 {
		c.received.Add(uint64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	if n > 0 {
		c.sent.Add(uint64(n))
	}
	return n, err
}
