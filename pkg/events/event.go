// Package events is the observation sink for sessions and routing.
//
// The core reports every state transition, inbound message, routing failure
// and dropped frame as an Event. Hosts decide what to do with them: log them,
// forward them to a UI over a channel, or record them to a CBOR trace file.
package events

import (
	"fmt"
	"time"
)

// Kind classifies an event
type Kind uint8

const (
	KindStateChanged Kind = iota + 1
	KindMessageReceived
	KindVoiceReceived
	KindMessageForwarded
	KindRoutingFailed
	KindHandshakeTimedOut
	KindFrameDropped
	KindQualityChanged
)

func (k Kind) String() string {
	switch k {
	case KindStateChanged:
		return "state_changed"
	case KindMessageReceived:
		return "message_received"
	case KindVoiceReceived:
		return "voice_received"
	case KindMessageForwarded:
		return "message_forwarded"
	case KindRoutingFailed:
		return "routing_failed"
	case KindHandshakeTimedOut:
		return "handshake_timed_out"
	case KindFrameDropped:
		return "frame_dropped"
	case KindQualityChanged:
		return "quality_changed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one observation. Only the fields relevant to Kind are set.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Time time.Time `cbor:"1,keyasint"`
	Kind Kind      `cbor:"2,keyasint"`

	// Peer is the device id on the other end of the session
	Peer string `cbor:"3,keyasint,omitempty"`

	// State transition (KindStateChanged)
	From string `cbor:"4,keyasint,omitempty"`
	To   string `cbor:"5,keyasint,omitempty"`

	// Encryption quality after the event (handshake, fallback, quality change)
	Quality string `cbor:"6,keyasint,omitempty"`

	// Message fields (received, forwarded, routing failed)
	MessageID string `cbor:"7,keyasint,omitempty"`
	SenderID  string `cbor:"8,keyasint,omitempty"`
	Receiver  string `cbor:"9,keyasint,omitempty"`
	HopCount  uint32 `cbor:"10,keyasint,omitempty"`
	NextHop   string `cbor:"11,keyasint,omitempty"`

	// Content is the decrypted message text or audio chunk
	Content []byte `cbor:"12,keyasint,omitempty"`

	// Reason is the error text for failures and drops
	Reason string `cbor:"13,keyasint,omitempty"`

	// Err is the error itself, for in-process observers. Not recorded.
	Err error `cbor:"-"`
}

// Observer receives events. Implementations must be safe for concurrent use
// and must not block for long: Observe is called from listener goroutines.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Noop discards all events
type Noop struct{}

func (Noop) Observe(Event) {}

// Multi fans an event out to several observers in order
type Multi []Observer

func NewMulti(observers ...Observer) Multi {
	out := make(Multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m Multi) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

var (
	_ Observer = Noop{}
	_ Observer = Multi(nil)
	_ Observer = ObserverFunc(nil)
)
