// Package protocol implements the zentalk-mesh wire protocol.
//
// Every frame starts with a one byte type tag followed by big-endian fields.
//
// # Frame Types
//
// Key exchange (0x01):
//   - u32 key length, raw X25519 public key
//
// Message (0x02):
//   - 32-byte sender id, 32-byte receiver id (UTF-8, space padded)
//   - u64 timestamp (ms), u32 hop count
//   - u32 IV length + IV, u32 ciphertext length + ciphertext
//
// Voice (0x03):
//   - u64 timestamp (ms), u32 payload length, payload (IV || ciphertext)
//
// The message ciphertext seals an envelope of the 16-byte message id followed
// by the content, so relays can deduplicate without the id appearing on the wire.
//
// Frames are not length prefixed. Transports must deliver exactly one frame per read.
package protocol
