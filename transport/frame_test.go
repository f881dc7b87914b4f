package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMarshalParse(t *testing.T) {
	frame := &Frame{
		Version:   ProtocolVersion,
		Type:      FrameData,
		SessionID: 0x1122334455667788,
		Sequence:  42,
		KeyEpoch:  3,
		Payload:   []byte("ciphertext"),
	}

	data, err := frame.Marshal()
	require.NoError(t, err)
	assert.Len(t, data, HeaderSize+len(frame.Payload))

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frame, parsed)
}

func TestFrameHeaderLayout(t *testing.T) {
	frame := &Frame{
		Version:   ProtocolVersion,
		Type:      FrameTeardown,
		SessionID: 1,
		Sequence:  2,
		KeyEpoch:  7,
	}

	h := frame.Header()
	require.Len(t, h, HeaderSize)
	assert.Equal(t, byte(ProtocolVersion), h[0])
	assert.Equal(t, byte(FrameTeardown), h[1])
	assert.Equal(t, byte(1), h[9], "session id is big-endian")
	assert.Equal(t, byte(2), h[17], "sequence is big-endian")
	assert.Equal(t, byte(7), h[18])
}

func TestParseFrameTooShort(t *testing.T) {
	_, err := ParseFrame(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestMarshalFrameTooLarge(t *testing.T) {
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    FrameData,
		Payload: make([]byte, MaxPayloadSize+1),
	}
	_, err := frame.Marshal()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParseFrameEmptyPayload(t *testing.T) {
	frame := &Frame{Version: ProtocolVersion, Type: FrameTeardown, SessionID: 9}

	data, err := frame.Marshal()
	require.NoError(t, err)

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Nil(t, parsed.Payload)
	assert.Equal(t, uint64(9), parsed.SessionID)
}
