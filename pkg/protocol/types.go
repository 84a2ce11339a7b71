package protocol

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Frame type tags (byte 0 of every frame)
const (
	FrameTypeKeyExchange uint8 = 0x01
	FrameTypeMessage     uint8 = 0x02
	FrameTypeVoice       uint8 = 0x03
)

// Wire field sizes
const (
	// IDSize is the fixed width of sender/receiver ids on the wire
	IDSize = 32

	// MessageIDSize is the size of the message id carried in the payload envelope
	MessageIDSize = 16

	lengthSize    = 4
	timestampSize = 8
	hopCountSize  = 4

	// DefaultMaxFrameSize bounds a single frame (and the listener read buffer)
	DefaultMaxFrameSize = 64 * 1024

	// Fixed part of a message frame: tag, ids, timestamp, hop count, two length prefixes
	messageFixedSize = 1 + IDSize + IDSize + timestampSize + hopCountSize + lengthSize + lengthSize
)

// idPad is the padding byte for short ids
const idPad = ' '

// PadID encodes a device id into its fixed 32-byte wire form.
// Longer ids are truncated on a rune boundary, shorter ids are space padded.
func PadID(id string) [IDSize]byte {
	var out [IDSize]byte
	for i := range out {
		out[i] = idPad
	}

	b := []byte(id)
	if len(b) > IDSize {
		cut := IDSize
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b = b[:cut]
	}
	copy(out[:], b)
	return out
}

// TrimID decodes a fixed-width wire id, dropping the space padding
func TrimID(raw [IDSize]byte) string {
	return strings.TrimRight(string(raw[:]), string(idPad))
}

// NormalizeID returns the id as it will look after a trip over the wire
func NormalizeID(id string) string {
	return TrimID(PadID(id))
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
