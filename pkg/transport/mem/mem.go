// Package mem is an in-process transport for tests and simulations.
package mem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// queueDepth is the number of unread messages a pipe end buffers before Write blocks
const queueDepth = 64

// pipeShared is the state both ends of a pipe share
type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.closed) })
}

// conn is one end of a pipe. Each Write is delivered to the other end as one message.
type conn struct {
	remoteID string
	in       chan []byte
	out      chan []byte
	shared   *pipeShared

	mu      sync.Mutex
	pending []byte // rest of a message that did not fit the caller's buffer
}

// Pipe returns two connected transports. a.RemoteID() is bID and b.RemoteID() is aID.
func Pipe(aID, bID string) (transport.Transport, transport.Transport) {
	ab := make(chan []byte, queueDepth)
	ba := make(chan []byte, queueDepth)
	shared := &pipeShared{closed: make(chan struct{})}

	a := &conn{remoteID: bID, in: ba, out: ab, shared: shared}
	b := &conn{remoteID: aID, in: ab, out: ba, shared: shared}
	return a, b
}

func (c *conn) RemoteID() string { return c.remoteID }

func (c *conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	var msg []byte
	select {
	case msg = <-c.in:
	default:
		select {
		case msg = <-c.in:
		case <-c.shared.closed:
			// Messages queued before the close are still delivered
			select {
			case msg = <-c.in:
			default:
				return 0, io.EOF
			}
		}
	}

	n := copy(p, msg)
	if n < len(msg) {
		c.pending = msg[n:]
	}
	return n, nil
}

func (c *conn) Write(p []byte) (int, error) {
	select {
	case <-c.shared.closed:
		return 0, transport.ErrClosed
	default:
	}

	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case c.out <- msg:
		return len(p), nil
	case <-c.shared.closed:
		return 0, transport.ErrClosed
	}
}

// Close closes both ends
func (c *conn) Close() error {
	c.shared.close()
	return nil
}

// Network is a namespace of in-memory listeners addressed by device id
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen registers a listener for localID
func (n *Network) Listen(localID string) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[localID]; ok {
		return nil, fmt.Errorf("mem: listener %q already exists", localID)
	}
	l := &Listener{
		network: n,
		id:      localID,
		newCh:   make(chan transport.Transport, 8),
		closeCh: make(chan struct{}),
	}
	n.listeners[localID] = l
	return l, nil
}

// Dialer returns a dialer that connects as localID
func (n *Network) Dialer(localID string) transport.Dialer {
	return &dialer{network: n, localID: localID}
}

type dialer struct {
	network *Network
	localID string
}

// Dial connects to the listener registered under address
func (d *dialer) Dial(ctx context.Context, address string) (transport.Transport, error) {
	d.network.mu.Lock()
	l := d.network.listeners[address]
	d.network.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("mem: no listener at %q", address)
	}

	local, remote := Pipe(d.localID, address)
	select {
	case l.newCh <- remote:
		return local, nil
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listener accepts pipes dialed to its device id
type Listener struct {
	network *Network
	id      string
	newCh   chan transport.Transport
	once    sync.Once
	closeCh chan struct{}
}

func (l *Listener) Addr() string { return l.id }

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
	l.once.Do(func() {
		close(l.closeCh)
		l.network.mu.Lock()
		delete(l.network.listeners, l.id)
		l.network.mu.Unlock()
	})
	return nil
}

// IsClosed reports whether err came from a closed pipe or listener
func IsClosed(err error) bool {
	return errors.Is(err, transport.ErrClosed) || errors.Is(err, io.EOF)
}
