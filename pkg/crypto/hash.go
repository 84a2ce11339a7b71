package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// fingerprintSize is the number of hash bytes shown in a fingerprint
const fingerprintSize = 8

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Fingerprint returns a short hex identifier for a public key, for logs and peer records
func Fingerprint(publicKey []byte) string {
	if len(publicKey) == 0 {
		return ""
	}
	return hex.EncodeToString(Hash(publicKey)[:fingerprintSize])
}
