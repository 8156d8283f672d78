// Package ipstack is the embedded IP/TCP stack that runs on top of the PPP
// link: the Go-native replacement for the original client's private lwIP
// instance.
//
// There is exactly one NIC (a gVisor channel.Endpoint, not a host TUN
// device) and exactly one statically assigned IPv4 address, the one IPCP
// negotiates. Inbound IP packets received by the PPP link are injected into
// the stack; packets the stack wants to send are read back out and handed
// to the PPP link's output queue. Internal connections are dialed with
// gonet, never with the host's own network stack.
package ipstack

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID = tcpip.NICID(1)

// Stack is a single-NIC, single-address IPv4+TCP stack fed by a PPP link.
type Stack struct {
	stack  *stack.Stack
	linkEP *channel.Endpoint
	addr   tcpip.Address
}

// New creates a Stack with the given local IPv4 address and interface MTU.
// addr is the address IPCP negotiated for this end of the link.
func New(addr netip.Addr, mtu uint32) (*Stack, error) {
	if !addr.Is4() {
		return nil, fmt.Errorf("ipstack: only IPv4 is supported, got %s", addr)
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	sackEnabled := tcpip.TCPSACKEnabled(true)
	if err := s.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabled); err != nil {
		return nil, fmt.Errorf("ipstack: enable TCP SACK: %v", err)
	}

	linkEP := channel.New(256, mtu, "")
	if err := s.CreateNIC(nicID, linkEP); err != nil {
		return nil, fmt.Errorf("ipstack: create NIC: %v", err)
	}

	tcpipAddr := tcpip.AddrFromSlice(addr.AsSlice())
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpipAddr.WithPrefix(),
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("ipstack: assign address: %v", err)
	}

	// Everything on the other end of the PPP link is reachable through
	// this one NIC: there is exactly one remote endpoint (spec non-goal:
	// no multi-host routing), so a single default route suffices.
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	return &Stack{stack: s, linkEP: linkEP, addr: tcpipAddr}, nil
}

// DeliverInbound hands a raw IP packet received over the PPP link to the
// stack for processing.
func (s *Stack) DeliverInbound(packet []byte) {
	buf := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(packet),
	})
	defer buf.DecRef()
	s.linkEP.InjectInbound(ipv4.ProtocolNumber, buf)
}

// ReadOutbound blocks until the stack has an outbound IP packet to send
// over the PPP link, or ctx is done.
func (s *Stack) ReadOutbound(ctx context.Context) []byte {
	pkt := s.linkEP.ReadContext(ctx)
	if pkt == nil {
		return nil
	}
	defer pkt.DecRef()
	return pkt.ToView().AsSlice()
}

// DialTCP opens a TCP connection to addr through the embedded stack.
func (s *Stack) DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	fullAddr := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(addr.Addr().AsSlice()),
		Port: addr.Port(),
	}
	return gonet.DialContextTCP(ctx, s.stack, fullAddr, ipv4.ProtocolNumber)
}

// ListenTCP is unused in the client role (spec: no server side) but is kept
// for completeness/tests that want a loopback listener inside the stack.
func (s *Stack) ListenTCP(addr netip.AddrPort) (net.Listener, error) {
	fullAddr := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(addr.Addr().AsSlice()),
		Port: addr.Port(),
	}
	return gonet.ListenTCP(s.stack, fullAddr, ipv4.ProtocolNumber)
}

// Close tears down the stack and releases the NIC.
func (s *Stack) Close() {
	s.linkEP.Close()
	s.stack.Close()
}

// Abort closes the stack without waiting for graceful teardown, used on
// the tunnel's hard shutdown deadline.
func (s *Stack) Abort() {
	s.stack.Destroy()
}
