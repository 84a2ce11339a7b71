package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/libp2p/go-msgio"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const defaultHelloTimeout = 10 * time.Second

type deadliner interface {
	SetDeadline(t time.Time) error
}

// framed adds message boundaries to a byte stream with msgio length prefixes
type framed struct {
	conn     io.ReadWriteCloser
	r        msgio.ReadCloser
	w        msgio.WriteCloser
	remoteID string

	closeOnce sync.Once
	closeErr  error
}

// NewFramed wraps a byte stream (TCP connection, libp2p stream) and exchanges
// device ids with the peer. maxMessageSize bounds a single inbound message.
func NewFramed(ctx context.Context, conn io.ReadWriteCloser, localID string, maxMessageSize int) (Transport, error) {
	if maxMessageSize <= 0 {
		maxMessageSize = protocol.DefaultMaxFrameSize
	}
	f := &framed{
		conn: conn,
		r:    msgio.NewReaderSize(conn, maxMessageSize),
		w:    msgio.NewWriter(conn),
	}

	remoteID, err := f.hello(ctx, localID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	f.remoteID = remoteID
	return f, nil
}

// hello sends our device id as the first message and reads the peer's
func (f *framed) hello(ctx context.Context, localID string) (string, error) {
	if d, ok := f.conn.(deadliner); ok {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(defaultHelloTimeout)
		}
		if err := d.SetDeadline(deadline); err == nil {
			defer d.SetDeadline(time.Time{})
		}
	}

	// Concurrent so two peers that both write first cannot block each other
	werr := make(chan error, 1)
	go func() {
		werr <- f.w.WriteMsg([]byte(protocol.NormalizeID(localID)))
	}()

	msg, err := f.r.ReadMsg()
	if err != nil {
		return "", fmt.Errorf("%w: read remote id: %v", ErrHello, err)
	}
	defer f.r.ReleaseMsg(msg)

	if err := <-werr; err != nil {
		return "", fmt.Errorf("%w: write local id: %v", ErrHello, err)
	}

	if len(msg) == 0 || len(msg) > protocol.IDSize || !utf8.Valid(msg) {
		return "", fmt.Errorf("%w: invalid remote id (%d bytes)", ErrHello, len(msg))
	}
	return string(msg), nil
}

func (f *framed) RemoteID() string { return f.remoteID }

// Read returns one whole message. A message larger than p is truncated,
// which the frame decoder then rejects. A message larger than the
// maxMessageSize given to NewFramed is fatal: its body is never read, the
// stream can no longer be re-synchronised, so the transport is closed and
// the error wraps msgio.ErrMsgTooLarge.
func (f *framed) Read(p []byte) (int, error) {
	msg, err := f.r.ReadMsg()
	if errors.Is(err, msgio.ErrMsgTooLarge) {
		_ = f.Close()
		return 0, fmt.Errorf("%w: oversized message, stream closed", err)
	}
	if err != nil {
		return 0, err
	}
	n := copy(p, msg)
	f.r.ReleaseMsg(msg)
	return n, nil
}

// Write sends p as one message
func (f *framed) Write(p []byte) (int, error) {
	if err := f.w.WriteMsg(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *framed) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.conn.Close()
	})
	return f.closeErr
}
