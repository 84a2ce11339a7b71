// Package tcp carries frames over TCP using msgio length prefixes.
package tcp

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// Dialer opens framed TCP transports as LocalID
type Dialer struct {
	LocalID        string
	MaxMessageSize int
	Dialer         net.Dialer
}

func (d *Dialer) Dial(ctx context.Context, address string) (transport.Transport, error) {
	c, err := d.Dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return transport.NewFramed(ctx, c, d.LocalID, d.MaxMessageSize)
}

// Listener accepts framed TCP transports
type Listener struct {
	l       net.Listener
	localID string
	maxSize int
	logger  *zap.Logger

	newCh   chan transport.Transport
	once    sync.Once
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Listen starts accepting on address. The listener stops when ctx is done.
func Listen(ctx context.Context, address, localID string, maxMessageSize int, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		l:       nl,
		localID: localID,
		maxSize: maxMessageSize,
		logger:  logger,
		newCh:   make(chan transport.Transport, 8),
		closeCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

func (l *Listener) Addr() string { return l.l.Addr().String() }

func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case t := <-l.newCh:
		return t, nil
	}
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		// Hello runs per connection so one slow client does not stall the loop
		go func(c net.Conn) {
			t, err := transport.NewFramed(ctx, c, l.localID, l.maxSize)
			if err != nil {
				l.logger.Warn("tcp hello failed", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
				return
			}
			select {
			case l.newCh <- t:
			case <-l.closeCh:
				_ = t.Close()
			}
		}(c)
	}
}
