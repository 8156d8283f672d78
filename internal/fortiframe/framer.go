// Package fortiframe implements the proprietary Fortinet PPP-over-TLS
// framing: a 6-byte header wrapping each PPP frame carried over the SSL-VPN
// tunnel carrier.
//
// Wire format (big-endian):
//
//	offset 0: total length  (header + payload)
//	offset 2: magic 0x5050
//	offset 4: payload length
//	offset 6: payload ("ppp_header" + pppossl_write in the original client)
package fortiframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the size in bytes of the Fortinet frame header.
	HeaderLen = 6

	// magic is the fixed marker at offset 2 of every frame header.
	magic = 0x5050

	// MaxPayload is the largest payload the original client accepts;
	// frames announcing a larger payload are a framing violation.
	MaxPayload = 16 * 1024
)

// ErrFramingFatal is returned once a decode violates the wire format. The
// original client cannot resynchronize on a framing error the way a
// byte-stuffed protocol could, so the stream must be torn down.
var ErrFramingFatal = errors.New("fortiframe: fatal framing violation, stream is no longer synchronized")

// Encode wraps payload with the 6-byte Fortinet header. The returned slice
// is newly allocated.
func Encode(payload []byte) []byte {
	frame := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(frame[2:4], magic)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(payload)))
	copy(frame[HeaderLen:], payload)
	return frame
}

type decodeState int

const (
	stateHeader decodeState = iota
	stateData
)

// Decoder reassembles framed payloads out of an arbitrarily chunked byte
// stream, mirroring pppossl_input's PP_HEADER/PP_DATA state machine. A
// Decoder is not safe for concurrent use.
type Decoder struct {
	state   decodeState
	header  [HeaderLen]byte
	hdrLen  int
	payload []byte
	want    int
	got     int
	broken  bool
}

// NewDecoder returns a Decoder ready to consume bytes.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly received bytes to the decoder and returns every
// payload fully reassembled as a result. Once Feed returns ErrFramingFatal
// the decoder is permanently broken and must be discarded; the stream
// cannot be resynchronized.
func (d *Decoder) Feed(data []byte) ([][]byte, error) {
	if d.broken {
		return nil, ErrFramingFatal
	}

	var frames [][]byte
	for len(data) > 0 {
		switch d.state {
		case stateHeader:
			n := copy(d.header[d.hdrLen:], data)
			d.hdrLen += n
			data = data[n:]

			if d.hdrLen < HeaderLen {
				continue
			}

			total := binary.BigEndian.Uint16(d.header[0:2])
			gotMagic := binary.BigEndian.Uint16(d.header[2:4])
			payloadLen := int(binary.BigEndian.Uint16(d.header[4:6]))

			if int(total) != payloadLen+HeaderLen || gotMagic != magic {
				d.broken = true
				return frames, fmt.Errorf("%w: header=%v", ErrFramingFatal, d.header)
			}
			if payloadLen > MaxPayload {
				d.broken = true
				return frames, fmt.Errorf("%w: frame size %d exceeds %d byte limit", ErrFramingFatal, payloadLen, MaxPayload)
			}

			d.want = payloadLen
			d.got = 0
			d.payload = make([]byte, payloadLen)
			d.state = stateData

			if payloadLen == 0 {
				frames = append(frames, d.payload)
				d.reset()
			}

		case stateData:
			n := copy(d.payload[d.got:], data)
			d.got += n
			data = data[n:]

			if d.got == d.want {
				frames = append(frames, d.payload)
				d.reset()
			}
		}
	}

	return frames, nil
}

func (d *Decoder) reset() {
	d.state = stateHeader
	d.hdrLen = 0
	d.payload = nil
	d.want = 0
	d.got = 0
}
