package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

func TestHostsExchangeMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := New(ctx, Config{LocalID: "server", ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	defer server.Close()

	client, err := New(ctx, Config{LocalID: "client"})
	require.NoError(t, err)
	defer client.Close()

	require.NotEmpty(t, server.Addr())

	accepted := make(chan transport.Transport, 1)
	go func() {
		s, err := server.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	c, err := client.Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "server", c.RemoteID())

	var s transport.Transport
	select {
	case s = <-accepted:
	case <-ctx.Done():
		t.Fatal("no inbound stream")
	}
	defer s.Close()
	assert.Equal(t, "client", s.RemoteID())

	_, err = c.Write([]byte{0x01, 0, 0, 0, 0})
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 0}, buf[:n])
}

func TestDialInvalidAddress(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, Config{LocalID: "x"})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Dial(ctx, "not-a-multiaddr")
	assert.Error(t, err)

	_, err = h.Dial(ctx, "/ip4/127.0.0.1/tcp/1")
	assert.Error(t, err)
}

func TestDialByPeerID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := New(ctx, Config{
		LocalID:     "server",
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Discovery:   true,
	})
	require.NoError(t, err)
	defer server.Close()

	client, err := New(ctx, Config{
		LocalID:   "client",
		Discovery: true,
		Bootstrap: []string{server.Addr()},
	})
	require.NoError(t, err)
	defer client.Close()

	go func() {
		if s, err := server.Accept(ctx); err == nil {
			defer s.Close()
			<-ctx.Done()
		}
	}()

	c, err := client.Dial(ctx, server.PeerID().String())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "server", c.RemoteID())
}

func TestDialPeerIDWithoutDiscovery(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Config{LocalID: "a"})
	require.NoError(t, err)
	defer a.Close()
	b, err := New(ctx, Config{LocalID: "b"})
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Dial(ctx, b.PeerID().String())
	assert.ErrorContains(t, err, "discovery is disabled")
}

func TestBootstrapUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New(ctx, Config{
		LocalID:   "lonely",
		Discovery: true,
		Bootstrap: []string{"not-a-multiaddr"},
	})
	assert.Error(t, err)
}
