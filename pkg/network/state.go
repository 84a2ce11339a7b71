package network

import "fmt"

// State is the lifecycle of a ConnectionSession.
//
//	Idle → Connecting → Handshaking → Established
//	                         ↑              │
//	                         └── rotation ──┘
//
// Error and Disconnected are terminal; a new session is needed to reconnect.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateEstablished
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether the session can no longer be used
func (s State) Terminal() bool {
	return s == StateError || s == StateDisconnected
}
