package network

import "errors"

var (
	// ErrTransport is fatal to a session: the link failed or was closed
	ErrTransport = errors.New("transport error")

	// ErrHandshakeTimeout means no key material arrived within the handshake window
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrNotEstablished is returned by sends before the handshake completes
	ErrNotEstablished = errors.New("session not established")

	// ErrSessionStarted is returned when Connect or Accept is called twice
	ErrSessionStarted = errors.New("session already started")

	ErrNodeClosed  = errors.New("node closed")
	ErrUnknownPeer = errors.New("unknown peer")
)
