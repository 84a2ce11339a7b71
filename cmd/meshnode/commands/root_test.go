package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/events"
)

func TestParsePeer(t *testing.T) {
	tests := []struct {
		in, id, addr string
	}{
		{"10.0.0.2:7700", "", "10.0.0.2:7700"},
		{"bob@10.0.0.2:7700", "bob", "10.0.0.2:7700"},
		{" relay-1 @ /ip4/1.2.3.4/tcp/4001/p2p/12D3KooWExample ", "relay-1", "/ip4/1.2.3.4/tcp/4001/p2p/12D3KooWExample"},
		{"", "", ""},
	}
	for _, tt := range tests {
		id, addr := parsePeer(tt.in)
		assert.Equal(t, tt.id, id, tt.in)
		assert.Equal(t, tt.addr, addr, tt.in)
	}
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(events.Event{
		Time:      time.Unix(0, 0).UTC(),
		Kind:      events.KindMessageForwarded,
		Peer:      "alice",
		MessageID: "id-1",
		SenderID:  "alice",
		Receiver:  "carol",
		HopCount:  1,
		NextHop:   "carol",
	})
	assert.Contains(t, line, "message_forwarded")
	assert.Contains(t, line, "peer=alice")
	assert.Contains(t, line, "alice->carol hops=1")
	assert.Contains(t, line, "next=carol")
}

func TestLoadOrGenerateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "libp2p.key")

	first, err := loadOrGenerateIdentity(path)
	require.NoError(t, err)
	second, err := loadOrGenerateIdentity(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = loadOrGenerateIdentity(path)
	assert.Error(t, err)
}
