package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 session key size
	KeySize = 32

	// IVSize is the GCM nonce size
	IVSize = 12

	// TagSize is the GCM authentication tag size
	TagSize = 16
)

var (
	ErrInvalidKey = errors.New("invalid key")

	// ErrAuthenticationFailure covers every decryption failure: bad tag,
	// wrong key, wrong IV size, truncated input. Callers reject the payload.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	return gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext produced by Encrypt. Any failure yields
// ErrAuthenticationFailure and no plaintext.
func Decrypt(ciphertext, iv, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrAuthenticationFailure, len(iv))
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthenticationFailure)
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// SealBlob encrypts plaintext and returns iv || ciphertext
func SealBlob(plaintext, key []byte) ([]byte, error) {
	ct, iv, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, len(iv)+len(ct))
	blob = append(blob, iv...)
	return append(blob, ct...), nil
}

// OpenBlob decrypts an iv || ciphertext blob. Failures are returned, never
// the raw input.
func OpenBlob(blob, key []byte) ([]byte, error) {
	if len(blob) < IVSize+TagSize {
		return nil, fmt.Errorf("%w: blob too short", ErrAuthenticationFailure)
	}
	return Decrypt(blob[IVSize:], blob[:IVSize], key)
}

// GenerateKey returns a random 256-bit key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
