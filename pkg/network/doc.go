// Package network runs connections between adjacent devices and relays
// messages across them.
//
// A Session owns one transport: it performs the X25519 key exchange, holds
// the session key and runs a listener goroutine that decodes one frame per
// read. Sessions move through Idle, Connecting, Handshaking and Established
// and end in Error or Disconnected; a dropped link needs a new session.
//
// A Node is the per-device root object. It keeps the sessions keyed by peer
// device id, delivers messages addressed to the local device and forwards
// the rest through the mesh router, re-encrypting each hop with the next
// session's key.
package network
