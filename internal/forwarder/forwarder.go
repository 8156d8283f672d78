// Package forwarder bridges one accepted external TCP connection to one
// internal TCP connection dialed through the embedded IP stack, mirroring
// the original net::PortForwarder state machine and flow-control
// predicates.
//
// Unlike the original (driven by lwIP's single-threaded, callback-based
// event loop), a Forwarder here uses four goroutines (a reader and a writer
// per direction) and two bounded flowQueues — one per direction — so that Read/Write calls on real
// net.Conn values provide backpressure directly instead of polling
// tcp_sndbuf.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// State is the forwarder's lifecycle state (net::PortForwarder::State).
type State int

const (
	StateReady State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultQueueCapacity matches the original's 16-pbuf-chain default sized
// in bytes for a Go byte-chunk queue (16 * the original's per-pbuf size).
const DefaultQueueCapacity = 16 * 1460

// Dialer opens a TCP connection to addr through the embedded IP stack.
// *ipstack.Stack satisfies this.
type Dialer interface {
	DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// Config configures a Forwarder.
type Config struct {
	TCPNoDelay       bool
	ConnectTimeout   time.Duration
	QueueCapacity    int // bytes per direction; 0 uses DefaultQueueCapacity
	OnStateChange    func(old, new State)
}

// Forwarder bridges external and internal TCP connections for the
// lifetime of one forwarded session.
type Forwarder struct {
	cfg Config

	external net.Conn
	internal net.Conn

	forwardQ *flowQueue // external -> internal
	replyQ   *flowQueue // internal -> external

	mu    sync.Mutex
	state State

	forwardedBytes uint64
	repliedBytes   uint64

	wg sync.WaitGroup
}

// New creates a Forwarder for an already-accepted external connection. The
// forwarder starts in StateReady; call Connect to dial the internal side
// and begin pumping data.
func New(external net.Conn, cfg Config) *Forwarder {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	return &Forwarder{
		cfg:      cfg,
		external: external,
		forwardQ: newFlowQueue(capacity),
		replyQ:   newFlowQueue(capacity),
		state:    StateReady,
	}
}

// State returns the forwarder's current state.
func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsConnected reports whether the forwarder is actively bridging data.
func (f *Forwarder) IsConnected() bool { return f.State() == StateConnected }

// HasFailed reports whether the forwarder failed to connect.
func (f *Forwarder) HasFailed() bool { return f.State() == StateFailed }

// Stats returns the cumulative byte counts in each direction.
func (f *Forwarder) Stats() (forwarded, replied uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwardedBytes, f.repliedBytes
}

func (f *Forwarder) setState(s State) {
	f.mu.Lock()
	old := f.state
	f.state = s
	f.mu.Unlock()
	if f.cfg.OnStateChange != nil && old != s {
		f.cfg.OnStateChange(old, s)
	}
}

// Connect dials remote through dialer and, on success, starts the four
// pump/drain goroutines that bridge external and internal traffic. It returns
// once the dial completes (success or failure); the bridging itself runs
// in the background until Disconnect/Abort.
func (f *Forwarder) Connect(ctx context.Context, dialer Dialer, remote netip.AddrPort) error {
	f.setState(StateConnecting)

	dialCtx := ctx
	var cancel context.CancelFunc
	if f.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, f.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := dialer.DialTCP(dialCtx, remote)
	if err != nil {
		f.setState(StateFailed)
		return fmt.Errorf("forwarder: dial %s: %w", remote, err)
	}

	if tc, ok := conn.(interface{ SetNoDelay(bool) error }); ok && f.cfg.TCPNoDelay {
		_ = tc.SetNoDelay(true)
	}

	f.internal = conn
	f.setState(StateConnected)

	f.wg.Add(4)
	go f.pump(f.external, f.forwardQ, "forward")
	go f.pump(f.internal, f.replyQ, "reply")
	go f.drain(f.forwardQ, f.internal, &f.forwardedBytes, "forward")
	go f.drain(f.replyQ, f.external, &f.repliedBytes, "reply")

	return nil
}

// pump reads from src into q until src is closed or errors, then closes q
// so the matching drain goroutine flushes and exits.
func (f *Forwarder) pump(src net.Conn, q *flowQueue, label string) {
	defer f.wg.Done()
	defer q.CloseForWrite()

	buf := make([]byte, 16*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !q.Push(chunk) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("forwarder: read error", "direction", label, "error", err)
			}
			return
		}
	}
}

// drain writes everything pushed to q out to dst, until q is closed and
// drained, tallying bytes actually written into counter (the Go analogue
// of the original's tcp_sent_cb-driven _forwarded_bytes/_reply counters).
// Once q is closed and drained, dst is closed, so an EOF on one side
// closes the other side.
func (f *Forwarder) drain(q *flowQueue, dst net.Conn, counter *uint64, label string) {
	defer f.wg.Done()
	for {
		chunk, ok := q.Pop()
		if !ok {
			_ = dst.Close()
			return
		}
		n, err := dst.Write(chunk)
		f.mu.Lock()
		*counter += uint64(n)
		f.mu.Unlock()
		if err != nil {
			slog.Debug("forwarder: write error", "direction", label, "error", err)
			q.Abort()
			return
		}
	}
}

// Disconnect closes both connections at once and waits for the forwarder's
// goroutines to exit. Data still queued in either direction is discarded,
// not flushed.
func (f *Forwarder) Disconnect() {
	f.mu.Lock()
	if f.state == StateDisconnecting || f.state == StateDisconnected {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.setState(StateDisconnecting)

	if f.external != nil {
		_ = f.external.Close()
	}
	if f.internal != nil {
		_ = f.internal.Close()
	}
	f.wg.Wait()

	f.setState(StateDisconnected)
}

// Abort immediately tears down both connections without waiting for
// queued data to flush.
func (f *Forwarder) Abort() {
	f.forwardQ.Abort()
	f.replyQ.Abort()
	f.Disconnect()
}
