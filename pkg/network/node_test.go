package network

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/events"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport/mem"
)

var _ Store = (*storage.Store)(nil)

type testNode struct {
	*Node
	events *events.Channel
	store  *storage.Store
}

func newTestNode(t *testing.T, network *mem.Network, id string) *testNode {
	t.Helper()

	st, err := storage.Open(filepath.Join(t.TempDir(), id+".db"), nil)
	require.NoError(t, err)

	ch := events.NewChannel(256)
	n, err := NewNode(testOptions(t, id, ch), st)
	require.NoError(t, err)

	l, err := network.Listen(id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			tr, err := l.Accept(ctx)
			if err != nil {
				return
			}
			go func() { _, _ = n.Accept(ctx, tr) }()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = l.Close()
		_ = n.Close()
		_ = st.Close()
	})
	return &testNode{Node: n, events: ch, store: st}
}

func connect(t *testing.T, network *mem.Network, from, to *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := from.Dial(ctx, network.Dialer(from.LocalID()), to.LocalID(), to.LocalID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := to.Session(from.LocalID())
		return ok && contains(to.Peers(), from.LocalID())
	}, 2*time.Second, time.Millisecond)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestNodeDirectSend(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")
	connect(t, network, alice, bob)

	assert.Equal(t, []string{"bob"}, alice.Peers())

	msg, err := alice.Send(context.Background(), "bob", []byte("STATUS:OK"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, msg.Status)

	e := waitEvent(t, bob.events, events.KindMessageReceived)
	assert.Equal(t, []byte("STATUS:OK"), e.Content)
	assert.Equal(t, msg.ID.String(), e.MessageID)
	assert.Equal(t, uint32(0), e.HopCount)

	sent, err := alice.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, sent.Status)

	require.Eventually(t, func() bool {
		got, err := bob.store.GetMessage(msg.ID)
		return err == nil && got.Status == protocol.StatusDelivered
	}, 2*time.Second, 5*time.Millisecond)

	rec, ok := alice.Router().RouteState(msg.ID)
	require.True(t, ok)
	assert.Equal(t, mesh.DecisionDirect, rec.Decision)
}

func TestNodeRelay(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")
	carol := newTestNode(t, network, "carol")

	// alice - bob - carol
	connect(t, network, alice, bob)
	connect(t, network, bob, carol)

	msg, err := alice.Send(context.Background(), "carol", []byte("over the hill"))
	require.NoError(t, err)

	e := waitEvent(t, carol.events, events.KindMessageReceived)
	assert.Equal(t, []byte("over the hill"), e.Content)
	assert.Equal(t, msg.ID.String(), e.MessageID)
	assert.Equal(t, "alice", e.SenderID)
	assert.Equal(t, "bob", e.Peer)
	assert.Equal(t, uint32(1), e.HopCount)

	fwd := waitEvent(t, bob.events, events.KindMessageForwarded)
	assert.Equal(t, "carol", fwd.NextHop)

	log, err := bob.store.ForwardLog(msg.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "alice", log[0].FromPeer)
	assert.Equal(t, "carol", log[0].NextHop)
	assert.Equal(t, uint32(1), log[0].HopCount)
	assert.False(t, log[0].Failed)

	// bob knows the id now; a second copy is not relayed again
	err = bob.Forward("alice", &protocol.Message{ID: msg.ID, SenderID: "alice", ReceiverID: "carol"})
	assert.ErrorIs(t, err, mesh.ErrDuplicate)
}

func TestNodeHopLimit(t *testing.T) {
	network := mem.NewNetwork()
	bob := newTestNode(t, network, "bob")

	msg := protocol.NewMessage("alice", "carol", []byte("too far"))
	msg.HopCount = mesh.DefaultMaxHops

	err := bob.Forward("alice", msg)
	assert.ErrorIs(t, err, mesh.ErrRouting)
	assert.ErrorIs(t, err, mesh.ErrHopLimit)

	rec, ok := bob.Router().RouteState(msg.ID)
	require.True(t, ok)
	assert.Equal(t, mesh.RouteFailed, rec.Status)

	e := waitEvent(t, bob.events, events.KindRoutingFailed)
	assert.Equal(t, msg.ID.String(), e.MessageID)

	log, err := bob.store.ForwardLog(msg.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].Failed)
	assert.Empty(t, log[0].NextHop)
}

func TestNodeSendNoRoute(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestNode(t, network, "alice")

	msg, err := alice.Send(context.Background(), "bob", []byte("anyone?"))
	assert.ErrorIs(t, err, mesh.ErrRouting)
	assert.ErrorIs(t, err, mesh.ErrNoRoute)
	require.NotNil(t, msg)
	assert.Equal(t, protocol.StatusFailed, msg.Status)

	stored, err := alice.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, stored.Status)
}

func TestNodeDuplicateDeliveryDropped(t *testing.T) {
	var received atomic.Int32
	n, err := NewNode(Options{
		LocalID: "bob",
		Observer: events.ObserverFunc(func(e events.Event) {
			if e.Kind == events.KindMessageReceived {
				received.Add(1)
			}
		}),
	}, nil)
	require.NoError(t, err)

	s := NewSession(Options{LocalID: "bob"}, n)
	msg := protocol.NewMessage("alice", "bob", []byte("twice"))
	n.HandleMessage(s, msg)
	n.HandleMessage(s, msg)

	assert.Equal(t, int32(1), received.Load())
}

func TestNodeConcurrentDuplicateDelivery(t *testing.T) {
	var received atomic.Int32
	n, err := NewNode(Options{
		LocalID: "bob",
		Observer: events.ObserverFunc(func(e events.Event) {
			if e.Kind == events.KindMessageReceived {
				received.Add(1)
			}
		}),
	}, nil)
	require.NoError(t, err)

	// The same id arriving over several paths at once
	sessions := make([]*Session, 8)
	for i := range sessions {
		sessions[i] = NewSession(Options{LocalID: "bob"}, n)
	}
	for trial := 0; trial < 20; trial++ {
		received.Store(0)
		msg := protocol.NewMessage("alice", "bob", []byte("flooded"))

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				copied := *msg
				n.HandleMessage(s, &copied)
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), received.Load(), "trial %d", trial)
	}
}

func TestNodeRecordsPeerKey(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")
	connect(t, network, alice, bob)

	s, ok := alice.Session("bob")
	require.True(t, ok)

	// Saved from the listener goroutine right after the state change
	require.Eventually(t, func() bool {
		peer, err := alice.store.GetPeer("bob")
		return err == nil && string(peer.PublicKey) == string(s.PeerKey())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNodeUnregistersEndedSession(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")
	connect(t, network, alice, bob)

	s, ok := alice.Session("bob")
	require.True(t, ok)
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		_, aliceHas := alice.Session("bob")
		_, bobHas := bob.Session("alice")
		return !aliceHas && !bobHas
	}, 2*time.Second, time.Millisecond)
	assert.Empty(t, alice.Peers())
}

func TestNodeDialWrongPeer(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestNode(t, network, "alice")
	newTestNode(t, network, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := alice.Dial(ctx, network.Dialer("alice"), "mallory", "bob")
	assert.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, alice.Peers())
}

func TestNodeClose(t *testing.T) {
	network := mem.NewNetwork()
	alice := newTestNode(t, network, "alice")
	bob := newTestNode(t, network, "bob")
	connect(t, network, alice, bob)

	require.NoError(t, alice.Close())
	assert.Empty(t, alice.Peers())

	_, err := alice.Send(context.Background(), "bob", []byte("x"))
	assert.ErrorIs(t, err, ErrNodeClosed)

	_, err = alice.Dial(context.Background(), network.Dialer("alice"), "bob", "bob")
	assert.ErrorIs(t, err, ErrNodeClosed)
}

func TestRunCacheCleaner(t *testing.T) {
	now := time.Unix(1000, 0)
	var clock atomic.Int64
	clock.Store(now.UnixNano())

	n, err := NewNode(Options{
		LocalID:  "bob",
		DedupTTL: time.Minute,
		Now:      func() time.Time { return time.Unix(0, clock.Load()) },
	}, nil)
	require.NoError(t, err)

	msg := protocol.NewMessage("alice", "bob", nil)
	n.Router().Dedup().Record(msg.ID)
	require.Equal(t, 1, n.Router().Dedup().Len())

	clock.Store(now.Add(2 * time.Minute).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.RunCacheCleaner(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return n.Router().Dedup().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
