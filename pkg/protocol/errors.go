package protocol

import "errors"

var (
	// ErrFrameDecode is returned for any malformed, truncated or oversized frame.
	// Listeners drop the frame and keep reading.
	ErrFrameDecode = errors.New("frame decode error")

	// ErrFrameEncode is returned when a frame field cannot be represented on the wire
	ErrFrameEncode = errors.New("frame encode error")

	ErrUnknownFrameType  = errors.New("unknown frame type")
	ErrInvalidTransition = errors.New("invalid message status transition")
	ErrShortEnvelope     = errors.New("payload envelope too short")
)
