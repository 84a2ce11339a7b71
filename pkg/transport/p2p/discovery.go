package p2p

import (
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// startDiscovery creates the DHT and joins it through the bootstrap peers.
// Listening hosts serve DHT queries; dial-only hosts are clients.
func (p *Host) startDiscovery(cfg Config) error {
	mode := dht.ModeClient
	if len(cfg.ListenAddrs) > 0 {
		mode = dht.ModeServer
	}

	d, err := dht.New(p.ctx, p.host, dht.Mode(mode), dht.BootstrapPeers())
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	p.dht = d

	if len(cfg.Bootstrap) == 0 {
		return nil
	}
	return p.bootstrap(cfg.Bootstrap)
}

// bootstrap connects to the given peers and refreshes the DHT routing table
func (p *Host) bootstrap(peers []string) error {
	connected := 0
	for _, addr := range peers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			p.logger.Warn("invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			p.logger.Warn("invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}
		if err := p.host.Connect(p.ctx, *info); err != nil {
			p.logger.Warn("bootstrap connect failed", zap.String("peer", info.ID.String()), zap.Error(err))
			continue
		}
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any of %d bootstrap peers", len(peers))
	}
	if err := p.dht.Bootstrap(p.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	p.logger.Info("joined DHT", zap.Int("bootstrap_peers", connected))
	return nil
}
