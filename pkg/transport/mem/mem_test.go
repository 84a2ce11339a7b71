package mem

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipePreservesBoundaries(t *testing.T) {
	a, b := Pipe("alice", "bob")
	assert.Equal(t, "bob", a.RemoteID())
	assert.Equal(t, "alice", b.RemoteID())

	_, err := a.Write([]byte("one"))
	require.NoError(t, err)
	_, err = a.Write([]byte("two!"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "two!", string(buf[:n]))
}

func TestPipeShortBuffer(t *testing.T) {
	a, b := Pipe("a", "b")
	_, err := a.Write([]byte("abcdef"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe("a", "b")
	require.NoError(t, a.Close())

	_, err := b.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)

	_, err = b.Write([]byte("x"))
	assert.True(t, IsClosed(err))
}

func TestPipeDeliversQueuedBeforeEOF(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		a, b := Pipe("a", "b")

		got := make(chan []string, 1)
		go func() {
			var msgs []string
			buf := make([]byte, 16)
			for {
				n, err := b.Read(buf)
				if err != nil {
					got <- msgs
					return
				}
				msgs = append(msgs, string(buf[:n]))
			}
		}()

		for _, m := range []string{"one", "two", "three"} {
			_, err := a.Write([]byte(m))
			require.NoError(t, err)
		}
		require.NoError(t, a.Close())

		select {
		case msgs := <-got:
			require.Equal(t, []string{"one", "two", "three"}, msgs, "trial %d", trial)
		case <-time.After(time.Second):
			t.Fatal("reader did not finish")
		}
	}
}

func TestNetworkDialAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n := NewNetwork()
	l, err := n.Listen("bob")
	require.NoError(t, err)
	defer l.Close()

	_, err = n.Listen("bob")
	assert.Error(t, err)

	client, err := n.Dialer("alice").Dial(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", client.RemoteID())

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", server.RemoteID())

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	k, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:k]))

	_, err = n.Dialer("alice").Dial(ctx, "nobody")
	assert.Error(t, err)
}

func TestListenerClose(t *testing.T) {
	n := NewNetwork()
	l, err := n.Listen("x")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	assert.True(t, IsClosed(err))

	// The id is free again
	_, err = n.Listen("x")
	assert.NoError(t, err)
}
