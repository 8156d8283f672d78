// Package ppp implements just enough of RFC 1661 (LCP) and RFC 1332 (IPCP)
// to bring up a point-to-point link against a Fortinet SSL-VPN gateway: the
// gateway disables async-control-character-map, protocol-field-compression
// and address-control-field-compression negotiation outright, so the
// negotiation space this link has to handle is deliberately small.
//
// A Link owns one carrier (the TLS socket, framed by internal/fortiframe)
// for its entire lifetime and drives it from a single goroutine (Run),
// exactly as the original pppossl_* callbacks were all invoked from lwIP's
// single network thread.
package ppp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/jnmeurisse/fortirdp-go/internal/fortiframe"
	"github.com/jnmeurisse/fortirdp-go/internal/queue"
)

// Protocol field values (RFC 1661 §2, RFC 1332 §2).
const (
	protoIP   = 0x0021
	protoLCP  = 0xC021
	protoIPCP = 0x8021
)

// Address/control field values the Fortinet peer always uses uncompressed,
// since pppossl_connect disables accompression/pcompression negotiation.
const (
	allStations = 0xFF
	uiControl   = 0x03
)

// LCP/IPCP code values (RFC 1661 §5).
const (
	codeConfigureRequest = 1
	codeConfigureAck     = 2
	codeConfigureNak     = 3
	codeConfigureReject  = 4
	codeTerminateRequest = 5
	codeTerminateAck     = 6
	codeCodeReject       = 7
	codeEchoRequest      = 9
	codeEchoReply        = 10
	codeDiscardRequest   = 11
)

// LCP option types used by this link.
const (
	lcpOptMagicNumber = 5
)

// IPCP option types used by this link.
const (
	ipcpOptIPAddress = 3
)

// Phase is the link's overall lifecycle state.
type Phase int

const (
	PhaseDown Phase = iota
	PhaseEstablishing
	PhaseNetwork
	PhaseTerminating
	PhaseZombie // not set by Link or by internal/tunnel, which abandons a link past its shutdown deadline without changing its phase
)

func (p Phase) String() string {
	switch p {
	case PhaseDown:
		return "down"
	case PhaseEstablishing:
		return "establishing"
	case PhaseNetwork:
		return "network"
	case PhaseTerminating:
		return "terminating"
	case PhaseZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// ErrLinkDown is returned by SendIP once the link is no longer in the
// Network phase.
var ErrLinkDown = errors.New("ppp: link is not up")

// errLinkTerminatedByPeer unwinds Run when the peer sends an LCP
// Terminate-Request.
var errLinkTerminatedByPeer = errors.New("ppp: link terminated by peer")

// Carrier is the minimal interface a PPP link needs from its transport; a
// *tlssocket.Socket satisfies it.
type Carrier interface {
	io.Reader
	io.Writer
}

// Callbacks are invoked from the Run goroutine; implementations must not
// block.
type Callbacks struct {
	// OnUp fires once both LCP and IPCP have reached the Opened state,
	// with the address IPCP negotiated for each end.
	OnUp func(local, peer netip.Addr)

	// OnDown fires once when Run ends the link, whatever phase it had
	// reached, for any reason (peer-initiated terminate, carrier or
	// framing error, ctx cancellation).
	OnDown func(err error)

	// OnIPPacket fires for each inbound IP payload (protocol 0x0021),
	// normally wired straight to internal/ipstack.DeliverInbound.
	OnIPPacket func(packet []byte)
}

// Link drives LCP and IPCP negotiation over a framed carrier and, once
// Opened, ferries IP payloads in both directions.
type Link struct {
	carrier   Carrier
	callbacks Callbacks
	keepAlive time.Duration

	outQueue *queue.Queue

	mu    sync.Mutex
	phase Phase

	lcpID       uint8
	lcpUp       bool // our Configure-Request was Acked
	lcpPeerUp   bool // we have Acked the peer's Configure-Request
	ipcpID      uint8
	ipcpUp      bool
	ipcpPeerUp  bool
	ipcpReqAddr netip.Addr // address we last proposed; refined by Configure-Nak

	localAddr netip.Addr
	peerAddr  netip.Addr
	magic     uint32

	lastRecv     time.Time
	lastTransmit time.Time
}

// Options configures a Link.
type Options struct {
	// KeepAlive is how often the link checks, once Opened, whether an LCP
	// Echo-Request keep-alive is due; one is sent only when more than
	// keepAliveMinInterval has passed since the last transmit. Zero
	// disables keep-alives.
	KeepAlive time.Duration

	// OutQueueCapacity bounds the number of bytes of outbound PPP frames
	// buffered while the carrier write is slow; spec default is 64KiB.
	OutQueueCapacity int

	// Magic seeds the LCP magic number; tests pin this for determinism.
	// Zero lets NewLink pick a fixed, non-cryptographic default, since
	// loop detection (the only use of this field the FSM makes) does not
	// need unpredictability.
	Magic uint32
}

// NewLink creates a Link bound to carrier. Run must be called to drive
// negotiation and I/O.
func NewLink(carrier Carrier, cb Callbacks, opts Options) *Link {
	capacity := opts.OutQueueCapacity
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	magic := opts.Magic
	if magic == 0 {
		magic = 0x9f4e2c17
	}

	return &Link{
		carrier:     carrier,
		callbacks:   cb,
		keepAlive:   opts.KeepAlive,
		outQueue:    queue.New(capacity),
		phase:       PhaseDown,
		magic:       magic,
		ipcpReqAddr: netip.IPv4Unspecified(),
	}
}

// Phase returns the link's current lifecycle phase.
func (l *Link) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// SendIP enqueues packet for transmission as a PPP IP frame. It returns
// ErrLinkDown if the link is not in the Network phase.
func (l *Link) SendIP(packet []byte) error {
	l.mu.Lock()
	up := l.phase == PhaseNetwork
	l.mu.Unlock()
	if !up {
		return ErrLinkDown
	}

	frame := l.buildFrame(protoIP, packet)
	if !l.outQueue.Push(frame) {
		return fmt.Errorf("ppp: output queue full (%d bytes)", l.outQueue.Capacity())
	}
	return nil
}

// Run reads the carrier until ctx is cancelled, the carrier errors, or the
// peer terminates the link. It drives LCP/IPCP negotiation as frames
// arrive and drains the outbound queue between reads.
func (l *Link) Run(ctx context.Context) error {
	l.setPhase(PhaseEstablishing)
	l.sendLCPConfigureRequest()

	decoder := fortiframe.NewDecoder()
	readErrCh := make(chan error, 1)
	frameCh := make(chan []byte, 32)

	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := l.carrier.Read(buf)
			if n > 0 {
				frames, decErr := decoder.Feed(buf[:n])
				for _, f := range frames {
					select {
					case frameCh <- f:
					case <-ctx.Done():
						return
					}
				}
				if decErr != nil {
					readErrCh <- decErr
					return
				}
			}
			if err != nil {
				readErrCh <- err
				return
			}
		}
	}()

	var ka *time.Ticker
	var kaCh <-chan time.Time
	if l.keepAlive > 0 {
		ka = time.NewTicker(l.keepAlive)
		defer ka.Stop()
		kaCh = ka.C
	}

	for {
		select {
		case <-ctx.Done():
			l.terminate(ctx.Err())
			return ctx.Err()

		case err := <-readErrCh:
			l.terminate(err)
			return err

		case frame := <-frameCh:
			if err := l.handleFrame(frame); err != nil {
				l.terminate(err)
				return err
			}
			l.drainOutQueue()

		case <-kaCh:
			l.maybeSendEchoRequest()
			l.drainOutQueue()
		}
	}
}

func (l *Link) drainOutQueue() {
	for !l.outQueue.IsEmpty() {
		block := l.outQueue.GetBlock(0)
		if block.Data == nil {
			return
		}
		if _, err := l.carrier.Write(block.Data); err != nil {
			slog.Error("ppp: carrier write failed", "error", err)
			return
		}
		l.outQueue.Advance(len(block.Data))
	}
}

func (l *Link) handleFrame(frame []byte) error {
	if len(frame) < 4 {
		return nil
	}
	// frame = [address][control][proto hi][proto lo][payload...]
	if frame[0] != allStations || frame[1] != uiControl {
		return nil
	}
	proto := binary.BigEndian.Uint16(frame[2:4])
	payload := frame[4:]

	l.mu.Lock()
	l.lastRecv = time.Now()
	l.mu.Unlock()

	switch proto {
	case protoLCP:
		return l.handleLCP(payload)
	case protoIPCP:
		return l.handleIPCP(payload)
	case protoIP:
		if l.callbacks.OnIPPacket != nil {
			l.callbacks.OnIPPacket(payload)
		}
		return nil
	default:
		l.sendCodeReject(proto)
		return nil
	}
}

// sendCodeReject rejects a frame carrying a protocol this link does not
// implement, using the LCP Code-Reject mechanism (RFC 1661 §5.7) addressed
// to LCP regardless of the rejected protocol, matching how lwIP's generic
// ppp_input dispatches unknown protocols.
func (l *Link) sendCodeReject(proto uint16) {
	l.mu.Lock()
	l.lcpID++
	id := l.lcpID
	l.mu.Unlock()

	data := []byte{byte(proto >> 8), byte(proto)}
	l.sendRaw(protoLCP, buildCP(codeCodeReject, id, data))
}

func (l *Link) buildFrame(proto uint16, payload []byte) []byte {
	hdr := []byte{allStations, uiControl, byte(proto >> 8), byte(proto)}
	body := append(hdr, payload...)
	return fortiframe.Encode(body)
}

func (l *Link) sendRaw(proto uint16, payload []byte) {
	frame := l.buildFrame(proto, payload)
	if !l.outQueue.Push(frame) {
		slog.Warn("ppp: output queue full, dropping control frame", "protocol", proto)
	}

	l.mu.Lock()
	l.lastTransmit = time.Now()
	l.mu.Unlock()
}

// keepAliveMinInterval is the minimum time since the last transmit before a
// keep-alive Echo-Request is actually sent, regardless of how often the
// keep-alive ticker fires.
const keepAliveMinInterval = 60 * time.Second

// maybeSendEchoRequest sends an LCP Echo-Request keep-alive, but only once
// the link has reached the Network phase and at least keepAliveMinInterval
// has elapsed since anything was last transmitted on the carrier.
func (l *Link) maybeSendEchoRequest() {
	l.mu.Lock()
	due := l.phase == PhaseNetwork && time.Since(l.lastTransmit) > keepAliveMinInterval
	l.mu.Unlock()
	if !due {
		return
	}

	l.mu.Lock()
	l.lcpID++
	id := l.lcpID
	magic := l.magic
	l.mu.Unlock()

	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, magic)
	l.sendRaw(protoLCP, buildCP(codeEchoRequest, id, data))
}

func (l *Link) terminate(err error) {
	l.mu.Lock()
	already := l.phase == PhaseDown || l.phase == PhaseTerminating
	l.phase = PhaseTerminating
	l.mu.Unlock()

	if already {
		return
	}
	if l.callbacks.OnDown != nil {
		l.callbacks.OnDown(err)
	}
}

func (l *Link) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}
