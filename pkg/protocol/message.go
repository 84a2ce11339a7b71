package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the delivery lifecycle of a message
type MessageStatus uint8

const (
	StatusPending MessageStatus = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
	StatusDeleted
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	case StatusDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseMessageStatus is the inverse of MessageStatus.String
func ParseMessageStatus(s string) (MessageStatus, error) {
	for st := StatusPending; st <= StatusDeleted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown message status %q", s)
}

// Terminal reports whether no further transition is possible
func (s MessageStatus) Terminal() bool {
	return s == StatusFailed || s == StatusDeleted
}

// CanTransition reports whether a message may move from one status to another.
// Statuses only move forward along Pending → Sending → Sent → Delivered → Read;
// any non-terminal status may also move to Failed or Deleted. Failed may still
// be deleted.
func CanTransition(from, to MessageStatus) bool {
	if from == StatusDeleted {
		return false
	}
	if to == StatusDeleted {
		return true
	}
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to > from && to <= StatusRead
}

// Message is a single text message as seen by the endpoints.
// Content is plaintext; it only leaves the device sealed in a MessageFrame.
type Message struct {
	ID         uuid.UUID
	SenderID   string
	ReceiverID string
	Content    []byte
	Timestamp  int64 // Unix timestamp (ms)
	HopCount   uint32
	Status     MessageStatus
}

// NewMessage creates a pending message with a fresh random id
func NewMessage(senderID, receiverID string, content []byte) *Message {
	return &Message{
		ID:         uuid.New(),
		SenderID:   NormalizeID(senderID),
		ReceiverID: NormalizeID(receiverID),
		Content:    content,
		Timestamp:  NowUnixMilli(),
		Status:     StatusPending,
	}
}

// Advance moves the message to status, enforcing the lifecycle
func (m *Message) Advance(status MessageStatus) error {
	if m.Status == status {
		return nil
	}
	if !CanTransition(m.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, status)
	}
	m.Status = status
	return nil
}

// Time returns the message timestamp as time.Time
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// SealEnvelope builds the plaintext that is encrypted into a MessageFrame:
// the 16-byte message id followed by the content.
func SealEnvelope(id uuid.UUID, content []byte) []byte {
	buf := make([]byte, MessageIDSize+len(content))
	copy(buf, id[:])
	copy(buf[MessageIDSize:], content)
	return buf
}

// OpenEnvelope splits a decrypted envelope into message id and content
func OpenEnvelope(plaintext []byte) (uuid.UUID, []byte, error) {
	if len(plaintext) < MessageIDSize {
		return uuid.Nil, nil, fmt.Errorf("%w: %d bytes", ErrShortEnvelope, len(plaintext))
	}
	var id uuid.UUID
	copy(id[:], plaintext[:MessageIDSize])
	content := make([]byte, len(plaintext)-MessageIDSize)
	copy(content, plaintext[MessageIDSize:])
	return id, content, nil
}

// PeerIdentity is what we know about a remote device: its id and the
// public key it last presented in a key exchange.
type PeerIdentity struct {
	DeviceID  string
	PublicKey []byte
	FirstSeen time.Time
	UpdatedAt time.Time
}

// NewPeerIdentity records the first key seen from a device
func NewPeerIdentity(deviceID string, publicKey []byte, now time.Time) *PeerIdentity {
	key := make([]byte, len(publicKey))
	copy(key, publicKey)
	return &PeerIdentity{
		DeviceID:  deviceID,
		PublicKey: key,
		FirstSeen: now,
		UpdatedAt: now,
	}
}

// Rekey updates the stored key after re-keying. Returns false if the key is unchanged.
func (p *PeerIdentity) Rekey(publicKey []byte, now time.Time) bool {
	if string(p.PublicKey) == string(publicKey) {
		return false
	}
	p.PublicKey = append(p.PublicKey[:0:0], publicKey...)
	p.UpdatedAt = now
	return true
}

// ForwardRecord is one relay decision taken by this node, kept for diagnostics
type ForwardRecord struct {
	MessageID  uuid.UUID
	SenderID   string
	ReceiverID string
	FromPeer   string // Peer the frame arrived from
	NextHop    string // Empty when forwarding failed
	HopCount   uint32 // Hop count after this transit
	Failed     bool
	Reason     string
	Timestamp  int64 // Unix timestamp (ms)
}
