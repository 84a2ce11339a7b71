package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame is one self-describing unit of the wire protocol.
// Concrete types are *KeyExchangeFrame, *MessageFrame and *VoiceFrame.
type Frame interface {
	Type() uint8
}

// KeyExchangeFrame carries a raw X25519 public key
type KeyExchangeFrame struct {
	PublicKey []byte
}

// MessageFrame carries one encrypted message between adjacent peers
type MessageFrame struct {
	SenderID   string // Device id, max 32 bytes UTF-8
	ReceiverID string // Final recipient device id, max 32 bytes UTF-8
	Timestamp  int64  // Unix timestamp (ms)
	HopCount   uint32 // Relay transits so far
	IV         []byte // GCM nonce
	Ciphertext []byte // Sealed payload envelope
}

// VoiceFrame carries an encrypted audio chunk; the IV is inside EncryptedAudio
type VoiceFrame struct {
	Timestamp      int64
	EncryptedAudio []byte
}

func (*KeyExchangeFrame) Type() uint8 { return FrameTypeKeyExchange }
func (*MessageFrame) Type() uint8     { return FrameTypeMessage }
func (*VoiceFrame) Type() uint8       { return FrameTypeVoice }

// Codec encodes and decodes frames with a size limit
type Codec struct {
	MaxFrameSize int
}

// DefaultCodec uses DefaultMaxFrameSize
var DefaultCodec = Codec{MaxFrameSize: DefaultMaxFrameSize}

// Encode encodes a frame with the default codec
func Encode(f Frame) ([]byte, error) {
	return DefaultCodec.Encode(f)
}

// Decode decodes a frame with the default codec
func Decode(buf []byte) (Frame, error) {
	return DefaultCodec.Decode(buf)
}

func (c Codec) limit() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode encodes a frame to its wire form
func (c Codec) Encode(f Frame) ([]byte, error) {
	var buf []byte

	switch m := f.(type) {
	case *KeyExchangeFrame:
		if err := checkLen("public key", len(m.PublicKey)); err != nil {
			return nil, err
		}
		buf = make([]byte, 1+lengthSize+len(m.PublicKey))
		buf[0] = FrameTypeKeyExchange
		binary.BigEndian.PutUint32(buf[1:], uint32(len(m.PublicKey)))
		copy(buf[1+lengthSize:], m.PublicKey)

	case *MessageFrame:
		if err := checkLen("iv", len(m.IV)); err != nil {
			return nil, err
		}
		if err := checkLen("ciphertext", len(m.Ciphertext)); err != nil {
			return nil, err
		}
		buf = make([]byte, messageFixedSize+len(m.IV)+len(m.Ciphertext))
		offset := 0

		buf[offset] = FrameTypeMessage
		offset++

		sender := PadID(m.SenderID)
		copy(buf[offset:], sender[:])
		offset += IDSize

		receiver := PadID(m.ReceiverID)
		copy(buf[offset:], receiver[:])
		offset += IDSize

		binary.BigEndian.PutUint64(buf[offset:], uint64(m.Timestamp))
		offset += timestampSize

		binary.BigEndian.PutUint32(buf[offset:], m.HopCount)
		offset += hopCountSize

		binary.BigEndian.PutUint32(buf[offset:], uint32(len(m.IV)))
		offset += lengthSize

		copy(buf[offset:], m.IV)
		offset += len(m.IV)

		binary.BigEndian.PutUint32(buf[offset:], uint32(len(m.Ciphertext)))
		offset += lengthSize

		copy(buf[offset:], m.Ciphertext)

	case *VoiceFrame:
		if err := checkLen("audio", len(m.EncryptedAudio)); err != nil {
			return nil, err
		}
		buf = make([]byte, 1+timestampSize+lengthSize+len(m.EncryptedAudio))
		buf[0] = FrameTypeVoice
		binary.BigEndian.PutUint64(buf[1:], uint64(m.Timestamp))
		binary.BigEndian.PutUint32(buf[1+timestampSize:], uint32(len(m.EncryptedAudio)))
		copy(buf[1+timestampSize+lengthSize:], m.EncryptedAudio)

	case nil:
		return nil, fmt.Errorf("%w: nil frame", ErrFrameEncode)

	default:
		return nil, fmt.Errorf("%w: %T", ErrFrameEncode, f)
	}

	if len(buf) > c.limit() {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit %d", ErrFrameEncode, len(buf), c.limit())
	}
	return buf, nil
}

func checkLen(field string, n int) error {
	if uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: %s length %d overflows u32", ErrFrameEncode, field, n)
	}
	return nil
}

// Decode decodes a frame. Input comes from unauthenticated peers: every
// length is checked against the bytes actually present, and the frame must
// consume the buffer exactly.
func (c Codec) Decode(buf []byte) (Frame, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrFrameDecode)
	}
	if len(buf) > c.limit() {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit %d", ErrFrameDecode, len(buf), c.limit())
	}

	r := &frameReader{buf: buf, off: 1}

	var f Frame
	switch buf[0] {
	case FrameTypeKeyExchange:
		keyLen := r.length("public key")
		f = &KeyExchangeFrame{PublicKey: r.bytes(keyLen, "public key")}

	case FrameTypeMessage:
		m := &MessageFrame{}
		m.SenderID = r.id("sender id")
		m.ReceiverID = r.id("receiver id")
		m.Timestamp = int64(r.uint64("timestamp"))
		m.HopCount = r.uint32("hop count")
		ivLen := r.length("iv")
		m.IV = r.bytes(ivLen, "iv")
		ctLen := r.length("ciphertext")
		m.Ciphertext = r.bytes(ctLen, "ciphertext")
		f = m

	case FrameTypeVoice:
		v := &VoiceFrame{}
		v.Timestamp = int64(r.uint64("timestamp"))
		audioLen := r.length("audio")
		v.EncryptedAudio = r.bytes(audioLen, "audio")
		f = v

	default:
		return nil, fmt.Errorf("%w: %w 0x%02x", ErrFrameDecode, ErrUnknownFrameType, buf[0])
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFrameDecode, len(buf)-r.off)
	}
	return f, nil
}

// frameReader is a bounds-checked cursor; after the first error all reads are no-ops
type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || n > len(r.buf)-r.off {
		r.err = fmt.Errorf("%w: %s needs %d bytes, %d remaining", ErrFrameDecode, field, n, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *frameReader) uint32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *frameReader) uint64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// length reads a u32 length prefix and validates it against the remaining buffer
func (r *frameReader) length(field string) int {
	n := r.uint32(field + " length")
	if r.err != nil {
		return 0
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.err = fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", ErrFrameDecode, field, n, len(r.buf)-r.off)
		return 0
	}
	return int(n)
}

func (r *frameReader) bytes(n int, field string) []byte {
	if !r.need(n, field) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}

func (r *frameReader) id(field string) string {
	if !r.need(IDSize, field) {
		return ""
	}
	var raw [IDSize]byte
	copy(raw[:], r.buf[r.off:r.off+IDSize])
	r.off += IDSize
	return TrimID(raw)
}

// ReadFrame performs one blocking read into buf and decodes it as a single frame.
// Transport errors (including io.EOF) are returned as-is; malformed input is
// reported as ErrFrameDecode so the caller can drop it and read again.
func (c Codec) ReadFrame(r io.Reader, buf []byte) (Frame, error) {
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil {
			return nil, fmt.Errorf("%w: empty read", ErrFrameDecode)
		}
		return nil, err
	}
	// A read that returned data and an error: decode the data, the error
	// surfaces on the next read.
	return c.Decode(buf[:n])
}

// WriteFrame encodes f and writes it with a single Write call
func (c Codec) WriteFrame(w io.Writer, f Frame) error {
	buf, err := c.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
