package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport/mem"
)

var _ History = (*storage.Store)(nil)

type testPeer struct {
	node  *network.Node
	store *storage.Store
}

func newPeer(t *testing.T, net *mem.Network, id string) *testPeer {
	t.Helper()

	st, err := storage.Open(filepath.Join(t.TempDir(), id+".db"), nil)
	require.NoError(t, err)
	n, err := network.NewNode(network.Options{LocalID: id, HandshakePollInterval: 50 * time.Millisecond}, st)
	require.NoError(t, err)

	l, err := net.Listen(id)
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
	return &testPeer{node: n, store: st}
}

func link(t *testing.T, net *mem.Network, from, to *testPeer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := from.node.Dial(ctx, net.Dialer(from.node.LocalID()), to.node.LocalID(), to.node.LocalID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(to.node.Peers()) > 0
	}, 2*time.Second, time.Millisecond)
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPISendAndHistory(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	h := NewServer(alice.node, alice.store, Config{}).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/messages", SendRequest{Receiver: "bob", Text: "STATUS:OK"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sent SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.True(t, sent.Success)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "sent", sent.Message.Status)
	assert.Equal(t, "bob", sent.Message.Receiver)

	w = do(t, h, http.MethodGet, "/api/v1/messages?peer=bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []MessageView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, []byte("STATUS:OK"), list[0].Content)

	w = do(t, h, http.MethodGet, "/api/v1/messages/"+sent.Message.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail MessageDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, sent.Message.ID, detail.Message.ID)
	assert.Empty(t, detail.Forwards)
}

func TestAPIRelayForwardLog(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	carol := newPeer(t, net, "carol")
	link(t, net, alice, bob)
	link(t, net, bob, carol)

	msg, err := alice.node.Send(context.Background(), "carol", []byte("relay me"))
	require.NoError(t, err)

	h := NewServer(bob.node, bob.store, Config{}).Handler()
	var detail MessageDetail
	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/v1/messages/"+msg.ID.String(), nil)
		if w.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(w.Body.Bytes(), &detail) == nil && len(detail.Forwards) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "alice", detail.Forwards[0].FromPeer)
	assert.Equal(t, "carol", detail.Forwards[0].NextHop)
	assert.Equal(t, uint32(1), detail.Forwards[0].HopCount)
}

func TestAPIPeersAndInfo(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	bob := newPeer(t, net, "bob")
	link(t, net, alice, bob)

	h := NewServer(alice.node, alice.store, Config{}).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var peers []PeerView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].ID)
	assert.Equal(t, "established", peers[0].State)
	assert.Equal(t, "ecdh", peers[0].Quality)
	assert.NotEmpty(t, peers[0].Fingerprint)

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/v1/peers/known", nil)
		var known []KnownPeer
		return w.Code == http.StatusOK && json.Unmarshal(w.Body.Bytes(), &known) == nil && len(known) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w = do(t, h, http.MethodGet, "/api/v1/node/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info NodeInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "alice", info.LocalID)
	assert.Equal(t, 1, info.Peers)
	assert.Equal(t, uint32(5), info.MaxHops)

	w = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPISendErrors(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	h := NewServer(alice.node, alice.store, Config{}).Handler()

	tests := []struct {
		name string
		body any
		code int
	}{
		{"missing receiver", map[string]string{"text": "hi"}, http.StatusBadRequest},
		{"blank receiver", SendRequest{Receiver: "   ", Text: "hi"}, http.StatusBadRequest},
		{"no route", SendRequest{Receiver: "nobody", Text: "hi"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/messages", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestAPIMessageLookupErrors(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	h := NewServer(alice.node, alice.store, Config{}).Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/messages/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/messages/6f1c1f5e-2a8e-4e55-9d43-0c1b3b7f0a11", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/messages", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/messages?peer=bob&limit=x", nil).Code)

	noHistory := NewServer(alice.node, nil, Config{}).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, noHistory, http.MethodGet, "/api/v1/messages?peer=bob", nil).Code)
}

func TestAPIKeyRequired(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	h := NewServer(alice.node, alice.store, Config{APIKeys: []string{"s3cret"}}).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/node/info", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/node/info", nil, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/node/info", nil, "X-API-Key", "s3cret").Code)

	// Health stays open
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
}

func TestRateLimit(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	h := NewServer(alice.node, alice.store, Config{RateLimit: 2}).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/health", nil).Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	net := mem.NewNetwork()
	alice := newPeer(t, net, "alice")
	s := NewServer(alice.node, alice.store, Config{Listen: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
