package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PublicKeySize is the size of a raw X25519 public key
const PublicKeySize = curve25519.PointSize

// EncryptionQuality describes where a session key came from
type EncryptionQuality uint8

const (
	QualityNone EncryptionQuality = iota
	// QualityECDH is a key agreed with the peer via X25519
	QualityECDH
	// QualityPreShared is the configured fallback key. It is shared by every
	// device with the same configuration and gives no confidentiality
	// against anyone who knows it.
	QualityPreShared
)

func (q EncryptionQuality) String() string {
	switch q {
	case QualityNone:
		return "none"
	case QualityECDH:
		return "ecdh"
	case QualityPreShared:
		return "pre-shared"
	default:
		return fmt.Sprintf("quality(%d)", uint8(q))
	}
}

// KeyPair is an X25519 key pair
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair returns a fresh X25519 key pair with a clamped private scalar
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicKey returns a copy of the public key bytes
func (kp *KeyPair) PublicKey() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, kp.Public[:])
	return out
}

// Wipe zeroes the private key
func (kp *KeyPair) Wipe() {
	Wipe(kp.Private[:])
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// DeriveSharedSecret computes X25519(priv, peerPublic). Wrong-size keys and
// low-order peer points are rejected with ErrInvalidKey.
func DeriveSharedSecret(priv, peerPublic []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(priv))
	}
	if len(peerPublic) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(peerPublic))
	}
	secret, err := curve25519.X25519(priv, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return secret, nil
}

// DeriveSessionKey hashes a shared secret into a 32-byte AES key
func DeriveSessionKey(shared []byte) []byte {
	sum := sha256.Sum256(shared)
	return sum[:]
}

// RotateKey derives the next session key as SHA-256(current || timestamp).
// Both sides must use the same timestamp for their keys to stay equal.
func RotateKey(current []byte, timestampMs int64) []byte {
	h := sha256.New()
	h.Write(current)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	h.Write(ts[:])
	return h.Sum(nil)
}

// Wipe overwrites b with zeros
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
