package fortiframe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_HeaderLayout(t *testing.T) {
	frame := Encode([]byte("abc"))

	require.Len(t, frame, HeaderLen+3)
	assert.Equal(t, []byte{0, 9}, frame[0:2])
	assert.Equal(t, []byte{0x50, 0x50}, frame[2:4])
	assert.Equal(t, []byte{0, 3}, frame[4:6])
	assert.Equal(t, []byte("abc"), frame[6:])
}

func TestEncode_EmptyPayload(t *testing.T) {
	frame := Encode(nil)
	require.Len(t, frame, HeaderLen)
	assert.Equal(t, []byte{0, 6}, frame[0:2])
}

func TestDecoder_SingleFrameWholeShot(t *testing.T) {
	d := NewDecoder()
	frame := Encode([]byte("hello"))

	frames, err := d.Feed(frame)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("hello"), frames[0])
}

func TestDecoder_ByteAtATime(t *testing.T) {
	d := NewDecoder()
	frame := Encode([]byte("hello world"))

	var got [][]byte
	for _, b := range frame {
		frames, err := d.Feed([]byte{b})
		require.NoError(t, err)
		got = append(got, frames...)
	}

	require.Len(t, got, 1)
	assert.Equal(t, []byte("hello world"), got[0])
}

func TestDecoder_MultipleFramesInOneChunk(t *testing.T) {
	d := NewDecoder()
	data := append(Encode([]byte("one")), Encode([]byte("two"))...)

	frames, err := d.Feed(data)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("one"), frames[0])
	assert.Equal(t, []byte("two"), frames[1])
}

func TestDecoder_EmptyPayloadFrame(t *testing.T) {
	d := NewDecoder()
	frames, err := d.Feed(Encode(nil))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0])
}

func TestDecoder_BadMagicIsFatal(t *testing.T) {
	d := NewDecoder()
	frame := Encode([]byte("hi"))
	frame[2] = 0x00 // corrupt magic

	_, err := d.Feed(frame)
	assert.ErrorIs(t, err, ErrFramingFatal)

	// The decoder stays broken; further feeds also fail.
	_, err = d.Feed(Encode([]byte("again")))
	assert.ErrorIs(t, err, ErrFramingFatal)
}

func TestDecoder_InconsistentLengthIsFatal(t *testing.T) {
	d := NewDecoder()
	frame := Encode([]byte("hi"))
	frame[0] = 0xFF // total length no longer matches header+payload

	_, err := d.Feed(frame)
	assert.ErrorIs(t, err, ErrFramingFatal)
}

func TestDecoder_OversizedPayloadIsFatal(t *testing.T) {
	d := NewDecoder()

	header := make([]byte, HeaderLen)
	payloadLen := MaxPayload + 1
	header[0] = byte((payloadLen + HeaderLen) >> 8)
	header[1] = byte((payloadLen + HeaderLen) & 0xFF)
	header[2] = 0x50
	header[3] = 0x50
	header[4] = byte(payloadLen >> 8)
	header[5] = byte(payloadLen & 0xFF)

	_, err := d.Feed(header)
	require.True(t, errors.Is(err, ErrFramingFatal))
}
