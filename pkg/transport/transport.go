// Package transport defines the byte-stream links sessions run over.
//
// A Transport must preserve message boundaries: one Write by the sender is
// returned by exactly one Read on the other side, provided the reader's buffer
// is large enough. Stream transports get this from the msgio framing in
// NewFramed; the in-memory pipe in package mem gets it from its queue.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrClosed is returned by operations on a closed transport or listener
	ErrClosed = errors.New("transport closed")

	// ErrHello is returned when the device id exchange on a new link fails
	ErrHello = errors.New("transport hello failed")
)

// Transport is a bidirectional, message-preserving link to one remote device
type Transport interface {
	io.ReadWriteCloser

	// RemoteID is the device id of the peer on the other end
	RemoteID() string
}

// Dialer opens outbound transports
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// Listener accepts inbound transports
type Listener interface {
	// Accept blocks until an inbound transport is available or ctx is done
	Accept(ctx context.Context) (Transport, error)
	Addr() string
	Close() error
}
