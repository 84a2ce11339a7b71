// Package p2p carries frames over libp2p streams.
//
// Each session uses one stream opened on ProtocolID. Addresses are full
// multiaddrs including the peer id, e.g. /ip4/10.0.0.2/tcp/4001/p2p/12D3Koo...
// With discovery enabled a bare peer id (or /p2p/<id>) is resolved through
// the Kademlia DHT.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// ProtocolID is the libp2p protocol for mesh frame streams
const ProtocolID = protocol.ID("/zentalk-mesh/frames/1.0.0")

// Config configures a libp2p host
type Config struct {
	LocalID        string
	ListenAddrs    []string       // e.g. /ip4/0.0.0.0/tcp/4001
	PrivateKey     crypto.PrivKey // Optional: generated if nil
	MaxMessageSize int
	Logger         *zap.Logger

	// Discovery runs a Kademlia DHT so peers can be dialed by id alone
	Discovery bool
	// Bootstrap peers (full /p2p multiaddrs) used to join the DHT
	Bootstrap []string
}

// Host is both the Dialer and the Listener for libp2p streams
type Host struct {
	host    host.Host
	dht     *dht.IpfsDHT
	localID string
	maxSize int
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	newCh   chan transport.Transport
	once    sync.Once
	closeCh chan struct{}
}

// New creates a libp2p host and starts handling inbound frame streams
func New(ctx context.Context, cfg Config) (*Host, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	p := &Host{
		host:    h,
		localID: cfg.LocalID,
		maxSize: cfg.MaxMessageSize,
		logger:  logger,
		ctx:     hctx,
		cancel:  cancel,
		newCh:   make(chan transport.Transport, 8),
		closeCh: make(chan struct{}),
	}
	h.SetStreamHandler(ProtocolID, p.handleStream)

	if cfg.Discovery {
		if err := p.startDiscovery(cfg); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Host) handleStream(s network.Stream) {
	t, err := transport.NewFramed(p.ctx, s, p.localID, p.maxSize)
	if err != nil {
		p.logger.Warn("libp2p hello failed",
			zap.String("peer", s.Conn().RemotePeer().String()),
			zap.Error(err))
		_ = s.Reset()
		return
	}
	select {
	case p.newCh <- t:
	case <-p.closeCh:
		_ = t.Close()
	}
}

// Dial connects to a peer and opens a frame stream. address is a full /p2p
// multiaddr, or a peer id when discovery is enabled.
func (p *Host) Dial(ctx context.Context, address string) (transport.Transport, error) {
	info, err := p.resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	if err := p.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to connect to peer: %w", err)
	}

	s, err := p.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return transport.NewFramed(ctx, s, p.localID, p.maxSize)
}

func (p *Host) resolve(ctx context.Context, address string) (peer.AddrInfo, error) {
	var info peer.AddrInfo
	if strings.HasPrefix(address, "/") {
		maddr, err := multiaddr.NewMultiaddr(address)
		if err != nil {
			return info, fmt.Errorf("invalid peer address: %w", err)
		}
		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return info, fmt.Errorf("failed to parse peer info: %w", err)
		}
		info = *ai
	} else {
		id, err := peer.Decode(address)
		if err != nil {
			return info, fmt.Errorf("invalid peer id: %w", err)
		}
		info.ID = id
	}

	if len(info.Addrs) > 0 || len(p.host.Peerstore().Addrs(info.ID)) > 0 {
		return info, nil
	}
	if p.dht == nil {
		return info, fmt.Errorf("no known addresses for %s and discovery is disabled", info.ID)
	}

	found, err := p.dht.FindPeer(ctx, info.ID)
	if err != nil {
		return info, fmt.Errorf("failed to find peer %s: %w", info.ID, err)
	}
	return found, nil
}

func (p *Host) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closeCh:
		return nil, transport.ErrClosed
	case t := <-p.newCh:
		return t, nil
	}
}

// Addr returns the first dialable address, or "" when not listening
func (p *Host) Addr() string {
	addrs := p.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// Addrs returns the host's listen addresses with the /p2p peer id appended
func (p *Host) Addrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, a := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, p.host.ID()))
	}
	return out
}

// PeerID returns the libp2p peer id of this host
func (p *Host) PeerID() peer.ID {
	return p.host.ID()
}

func (p *Host) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closeCh)
		p.cancel()
		p.host.RemoveStreamHandler(ProtocolID)
		if p.dht != nil {
			if derr := p.dht.Close(); derr != nil {
				p.logger.Warn("failed to close DHT", zap.Error(derr))
			}
		}
		err = p.host.Close()
	})
	return err
}
