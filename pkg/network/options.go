package network

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/events"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	DefaultConnectAttempts       = 3
	DefaultConnectRetryDelay     = time.Second
	DefaultHandshakeAttempts     = 15
	DefaultHandshakePollInterval = time.Second
)

// Options configures sessions and the node. Zero values take the defaults,
// except FallbackKey: nil disables the pre-shared fallback.
type Options struct {
	// LocalID is this device's id
	LocalID string

	ConnectAttempts       int
	ConnectRetryDelay     time.Duration
	HandshakeAttempts     int
	HandshakePollInterval time.Duration
	MaxFrameSize          int

	// FallbackKey is adopted with quality PreShared when the handshake times out
	FallbackKey []byte

	// Relay settings, passed to the mesh router
	MaxHops       uint32
	DedupTTL      time.Duration
	DedupCapacity int

	Logger   *zap.Logger
	Observer events.Observer
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	o.LocalID = protocol.NormalizeID(o.LocalID)
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ConnectRetryDelay < 0 {
		o.ConnectRetryDelay = 0
	} else if o.ConnectRetryDelay == 0 {
		o.ConnectRetryDelay = DefaultConnectRetryDelay
	}
	if o.HandshakeAttempts <= 0 {
		o.HandshakeAttempts = DefaultHandshakeAttempts
	}
	if o.HandshakePollInterval <= 0 {
		o.HandshakePollInterval = DefaultHandshakePollInterval
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.MaxHops == 0 {
		o.MaxHops = mesh.DefaultMaxHops
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = mesh.DefaultDedupTTL
	}
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = mesh.DefaultDedupCapacity
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = events.Noop{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FallbackKey != nil {
		o.FallbackKey = append([]byte(nil), o.FallbackKey...)
	}
	return o
}

// validate rejects settings that would only fail later, on the first send
func (o Options) validate() error {
	if o.FallbackKey != nil && len(o.FallbackKey) != crypto.KeySize {
		return fmt.Errorf("%w: fallback key is %d bytes, want %d", crypto.ErrInvalidKey, len(o.FallbackKey), crypto.KeySize)
	}
	return nil
}
