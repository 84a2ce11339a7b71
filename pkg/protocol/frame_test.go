package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "key exchange",
			frame: &KeyExchangeFrame{PublicKey: bytes.Repeat([]byte{0xAB}, 32)},
		},
		{
			name: "message",
			frame: &MessageFrame{
				SenderID:   "device-a",
				ReceiverID: "device-b",
				Timestamp:  1700000000123,
				HopCount:   2,
				IV:         bytes.Repeat([]byte{0x01}, 12),
				Ciphertext: []byte("sealed envelope bytes"),
			},
		},
		{
			name: "message with full width ids",
			frame: &MessageFrame{
				SenderID:   "0123456789abcdef0123456789abcdef",
				ReceiverID: "fedcba9876543210fedcba9876543210",
				Timestamp:  1,
				IV:         []byte{1, 2, 3},
				Ciphertext: []byte{4},
			},
		},
		{
			name:  "voice",
			frame: &VoiceFrame{Timestamp: 42, EncryptedAudio: []byte("iv-and-audio")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Type(), buf[0])

			decoded, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame, decoded)
		})
	}
}

func TestMessageFrameLayout(t *testing.T) {
	f := &MessageFrame{
		SenderID:   "a",
		ReceiverID: "b",
		Timestamp:  0x0102030405060708,
		HopCount:   3,
		IV:         []byte{0xAA, 0xBB},
		Ciphertext: []byte{0xCC},
	}
	buf, err := Encode(f)
	require.NoError(t, err)

	require.Len(t, buf, 1+32+32+8+4+4+2+4+1)
	assert.Equal(t, FrameTypeMessage, buf[0])
	assert.Equal(t, byte('a'), buf[1])
	assert.Equal(t, bytes.Repeat([]byte{' '}, 31), buf[2:33])
	assert.Equal(t, byte('b'), buf[33])
	assert.Equal(t, uint64(0x0102030405060708), binary.BigEndian.Uint64(buf[65:73]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(buf[73:77]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(buf[77:81]))
	assert.Equal(t, []byte{0xAA, 0xBB}, buf[81:83])
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[83:87]))
	assert.Equal(t, byte(0xCC), buf[87])
}

func TestKeyExchangeLayout(t *testing.T) {
	buf, err := Encode(&KeyExchangeFrame{PublicKey: []byte{9, 8, 7}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 3, 9, 8, 7}, buf)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(&MessageFrame{
		SenderID:   "a",
		ReceiverID: "b",
		IV:         make([]byte, 12),
		Ciphertext: make([]byte, 20),
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0x7F, 0, 0}},
		{"key length only", []byte{0x01, 0, 0}},
		{"key length past end", []byte{0x01, 0, 0, 0, 32, 1, 2, 3}},
		{"key length huge", []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"key trailing bytes", []byte{0x01, 0, 0, 0, 1, 5, 6}},
		{"message truncated ids", valid[:40]},
		{"message truncated ciphertext", valid[:len(valid)-1]},
		{"message trailing bytes", append(append([]byte{}, valid...), 0)},
		{"voice truncated timestamp", []byte{0x03, 0, 0, 0}},
		{"voice length past end", []byte{0x03, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 9, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.buf)
			assert.Nil(t, f)
			assert.ErrorIs(t, err, ErrFrameDecode)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0x09})
	assert.ErrorIs(t, err, ErrFrameDecode)
	assert.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestDecodeNeverPanics(t *testing.T) {
	valid, err := Encode(&MessageFrame{SenderID: "x", ReceiverID: "y", IV: []byte{1}, Ciphertext: []byte{2, 3}})
	require.NoError(t, err)

	// Every prefix and every single-byte corruption must return cleanly.
	for i := 0; i <= len(valid); i++ {
		assert.NotPanics(t, func() { _, _ = Decode(valid[:i]) })
	}
	for i := range valid {
		corrupt := append([]byte{}, valid...)
		corrupt[i] ^= 0xFF
		assert.NotPanics(t, func() { _, _ = Decode(corrupt) })
	}
}

func TestCodecSizeLimit(t *testing.T) {
	c := Codec{MaxFrameSize: 64}

	_, err := c.Encode(&VoiceFrame{EncryptedAudio: make([]byte, 100)})
	assert.ErrorIs(t, err, ErrFrameEncode)

	big, err := Encode(&VoiceFrame{EncryptedAudio: make([]byte, 100)})
	require.NoError(t, err)
	_, err = c.Decode(big)
	assert.ErrorIs(t, err, ErrFrameDecode)
}

func TestEncodeRejectsUnknownFrame(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrFrameEncode)
}

type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestReadFrame(t *testing.T) {
	good, err := Encode(&KeyExchangeFrame{PublicKey: []byte{1, 2}})
	require.NoError(t, err)

	r := &chunkReader{chunks: [][]byte{{0x01, 0xFF}, good}}
	buf := make([]byte, DefaultMaxFrameSize)

	_, err = DefaultCodec.ReadFrame(r, buf)
	assert.ErrorIs(t, err, ErrFrameDecode)

	f, err := DefaultCodec.ReadFrame(r, buf)
	require.NoError(t, err)
	assert.Equal(t, &KeyExchangeFrame{PublicKey: []byte{1, 2}}, f)

	_, err = DefaultCodec.ReadFrame(r, buf)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestWriteFrame(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, DefaultCodec.WriteFrame(&out, &VoiceFrame{Timestamp: 7, EncryptedAudio: []byte{1}}))

	f, err := Decode(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, &VoiceFrame{Timestamp: 7, EncryptedAudio: []byte{1}}, f)
}
