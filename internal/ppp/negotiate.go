package ppp

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
)

// cpPacket is a parsed LCP/IPCP control packet: code, identifier and the
// option/data bytes that follow the 4-byte header.
type cpPacket struct {
	code byte
	id   byte
	data []byte
}

func parseCP(payload []byte) (cpPacket, bool) {
	if len(payload) < 4 {
		return cpPacket{}, false
	}
	length := binary.BigEndian.Uint16(payload[2:4])
	if int(length) > len(payload) {
		return cpPacket{}, false
	}
	return cpPacket{code: payload[0], id: payload[1], data: payload[4:length]}, true
}

func buildCP(code, id byte, data []byte) []byte {
	pkt := make([]byte, 4+len(data))
	pkt[0] = code
	pkt[1] = id
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	copy(pkt[4:], data)
	return pkt
}

// sendLCPConfigureRequest (re)sends our LCP Configure-Request. The only
// option offered is our magic number, per pppossl_connect disabling
// accompression/pcompression/asyncmap negotiation on this link.
func (l *Link) sendLCPConfigureRequest() {
	l.mu.Lock()
	l.lcpID++
	id := l.lcpID
	magic := l.magic
	l.mu.Unlock()

	opt := make([]byte, 6)
	opt[0] = lcpOptMagicNumber
	opt[1] = 6
	binary.BigEndian.PutUint32(opt[2:6], magic)

	l.sendRaw(protoLCP, buildCP(codeConfigureRequest, id, opt))
}

// sendIPCPConfigureRequest (re)sends our IPCP Configure-Request proposing
// ipcpReqAddr (0.0.0.0 on the first attempt, asking the gateway to assign
// one; refined from any Configure-Nak the gateway sends back).
func (l *Link) sendIPCPConfigureRequest() {
	l.mu.Lock()
	l.ipcpID++
	id := l.ipcpID
	addr := l.ipcpReqAddr
	l.mu.Unlock()

	opt := make([]byte, 6)
	opt[0] = ipcpOptIPAddress
	opt[1] = 6
	ip4 := addr.As4()
	copy(opt[2:6], ip4[:])

	l.sendRaw(protoIPCP, buildCP(codeConfigureRequest, id, opt))
}

func (l *Link) handleLCP(payload []byte) error {
	pkt, ok := parseCP(payload)
	if !ok {
		return nil
	}

	switch pkt.code {
	case codeConfigureRequest:
		// This link never rejects the peer's LCP options: the gateway's
		// own Configure-Request never carries anything beyond what we
		// already disabled on our side.
		l.sendRaw(protoLCP, buildCP(codeConfigureAck, pkt.id, pkt.data))
		l.mu.Lock()
		l.lcpPeerUp = true
		l.mu.Unlock()
		l.checkLCPOpen()

	case codeConfigureAck:
		l.mu.Lock()
		matches := pkt.id == l.lcpID
		if matches {
			l.lcpUp = true
		}
		l.mu.Unlock()
		if matches {
			l.checkLCPOpen()
		}

	case codeConfigureNak, codeConfigureReject:
		// No negotiable option on this link ever gets Nak'd/Rejected in
		// practice (only the magic number is offered); resend unchanged.
		// No retry count is kept, so a peer that keeps Nak'ing keeps
		// receiving the same request.
		l.sendLCPConfigureRequest()

	case codeTerminateRequest:
		l.sendRaw(protoLCP, buildCP(codeTerminateAck, pkt.id, nil))
		return errLinkTerminatedByPeer

	case codeEchoRequest:
		l.sendRaw(protoLCP, buildCP(codeEchoReply, pkt.id, pkt.data))

	case codeEchoReply, codeDiscardRequest:
		// no action needed; receipt alone already updated lastRecv

	default:
		slog.Debug("ppp: unhandled LCP code", "code", pkt.code)
	}

	return nil
}

func (l *Link) checkLCPOpen() {
	l.mu.Lock()
	open := l.lcpUp && l.lcpPeerUp
	already := l.phase != PhaseEstablishing
	l.mu.Unlock()

	if open && !already {
		l.sendIPCPConfigureRequest()
	}
}

func (l *Link) handleIPCP(payload []byte) error {
	pkt, ok := parseCP(payload)
	if !ok {
		return nil
	}

	switch pkt.code {
	case codeConfigureRequest:
		if len(pkt.data) >= 6 && pkt.data[0] == ipcpOptIPAddress {
			addr := netip.AddrFrom4([4]byte(pkt.data[2:6]))
			l.mu.Lock()
			l.peerAddr = addr
			l.ipcpPeerUp = true
			l.mu.Unlock()
			l.sendRaw(protoIPCP, buildCP(codeConfigureAck, pkt.id, pkt.data))
			l.checkIPCPOpen()
		} else {
			l.sendRaw(protoIPCP, buildCP(codeConfigureReject, pkt.id, pkt.data))
		}

	case codeConfigureAck:
		l.mu.Lock()
		matches := pkt.id == l.ipcpID
		if matches {
			l.ipcpUp = true
			l.localAddr = l.ipcpReqAddr
		}
		l.mu.Unlock()
		if matches {
			l.checkIPCPOpen()
		}

	case codeConfigureNak:
		if len(pkt.data) >= 6 && pkt.data[0] == ipcpOptIPAddress {
			suggested := netip.AddrFrom4([4]byte(pkt.data[2:6]))
			l.mu.Lock()
			l.ipcpReqAddr = suggested
			l.mu.Unlock()
		}
		l.sendIPCPConfigureRequest()

	case codeConfigureReject:
		l.sendIPCPConfigureRequest()

	case codeTerminateRequest:
		l.sendRaw(protoIPCP, buildCP(codeTerminateAck, pkt.id, nil))

	default:
		slog.Debug("ppp: unhandled IPCP code", "code", pkt.code)
	}

	return nil
}

func (l *Link) checkIPCPOpen() {
	l.mu.Lock()
	open := l.ipcpUp && l.ipcpPeerUp && l.phase == PhaseEstablishing
	local := l.localAddr
	peer := l.peerAddr
	if open {
		l.phase = PhaseNetwork
	}
	l.mu.Unlock()

	if open && l.callbacks.OnUp != nil {
		l.callbacks.OnUp(local, peer)
	}
}
