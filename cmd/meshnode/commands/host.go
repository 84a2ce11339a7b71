package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/internal/config"
	"github.com/ZentaChain/zentalk-mesh/pkg/api"
	"github.com/ZentaChain/zentalk-mesh/pkg/events"
	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport/p2p"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport/tcp"
)

const statusInterval = 5 * time.Minute

// host wires config, storage, observers, transport and the node together
type host struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *storage.Store
	recorder *events.Recorder
	node     *network.Node

	dialer   transport.Dialer
	listener transport.Listener
	p2pHost  *p2p.Host

	wg sync.WaitGroup
}

// newHost builds the node. listen controls whether an inbound listener is started.
func newHost(ctx context.Context, cfg *config.Config, logger *zap.Logger, listen bool, observers ...events.Observer) (*host, error) {
	h := &host{cfg: cfg, logger: logger}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var store network.Store
	if cfg.Storage.Path != "" {
		if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		st, err := storage.Open(cfg.Storage.Path, logger.Named("storage"))
		if err != nil {
			return nil, err
		}
		h.store = st
		store = st
	}

	all := append([]events.Observer{events.NewZapObserver(logger.Named("events"))}, observers...)
	if cfg.TracePath != "" {
		rec, err := events.NewRecorder(cfg.TracePath)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.recorder = rec
		all = append(all, rec)
	}

	fallback, err := cfg.FallbackKeyBytes()
	if err != nil {
		h.Close()
		return nil, err
	}

	node, err := network.NewNode(network.Options{
		LocalID:               cfg.LocalID,
		ConnectAttempts:       cfg.Session.ConnectAttempts,
		ConnectRetryDelay:     cfg.Session.ConnectRetryDelay,
		HandshakeAttempts:     cfg.Session.HandshakeAttempts,
		HandshakePollInterval: cfg.Session.HandshakePollInterval,
		MaxFrameSize:          cfg.Session.MaxFrameSize,
		FallbackKey:           fallback,
		MaxHops:               cfg.Mesh.MaxHops,
		DedupTTL:              cfg.Mesh.DedupTTL,
		DedupCapacity:         cfg.Mesh.DedupCapacity,
		Logger:                logger.Named("node"),
		Observer:              events.NewMulti(all...),
	}, store)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.node = node

	if err := h.setupTransport(ctx, listen); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *host) setupTransport(ctx context.Context, listen bool) error {
	cfg := h.cfg
	tlog := h.logger.Named("transport")

	switch cfg.Transport.Kind {
	case "tcp":
		h.dialer = &tcp.Dialer{LocalID: cfg.LocalID, MaxMessageSize: cfg.Session.MaxFrameSize}
		if listen && cfg.Transport.Listen != "" {
			l, err := tcp.Listen(ctx, cfg.Transport.Listen, cfg.LocalID, cfg.Session.MaxFrameSize, tlog)
			if err != nil {
				return fmt.Errorf("tcp listen: %w", err)
			}
			h.listener = l
		}

	case "libp2p":
		priv, err := loadOrGenerateIdentity(cfg.Transport.IdentityPath)
		if err != nil {
			return err
		}
		var addrs []string
		if listen && cfg.Transport.Listen != "" {
			addrs = []string{cfg.Transport.Listen}
		}
		ph, err := p2p.New(ctx, p2p.Config{
			LocalID:        cfg.LocalID,
			ListenAddrs:    addrs,
			PrivateKey:     priv,
			MaxMessageSize: cfg.Session.MaxFrameSize,
			Logger:         tlog,
			Discovery:      cfg.Transport.Discovery,
			Bootstrap:      cfg.Transport.Bootstrap,
		})
		if err != nil {
			return err
		}
		h.p2pHost = ph
		h.dialer = ph
		if len(addrs) > 0 {
			h.listener = ph
		}
		for _, a := range ph.Addrs() {
			h.logger.Info("libp2p address", zap.String("addr", a))
		}

	default:
		return fmt.Errorf("unsupported transport %q", cfg.Transport.Kind)
	}

	if h.listener != nil {
		h.logger.Info("listening",
			zap.String("transport", cfg.Transport.Kind),
			zap.String("addr", h.listener.Addr()))
	}
	return nil
}

// history returns the store for the HTTP API, nil when persistence is off
func (h *host) history() api.History {
	if h.store == nil {
		return nil
	}
	return h.store
}

// acceptLoop hands inbound transports to the node until ctx is done
func (h *host) acceptLoop(ctx context.Context) {
	if h.listener == nil {
		return
	}
	for {
		t, err := h.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				h.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if _, err := h.node.Accept(ctx, t); err != nil {
				h.logger.Warn("inbound session failed",
					zap.String("peer", t.RemoteID()),
					zap.Error(err))
			}
		}()
	}
}

// dialPeers connects to every configured peer concurrently and waits
func (h *host) dialPeers(ctx context.Context) int {
	var (
		mu        sync.Mutex
		connected int
		wg        sync.WaitGroup
	)
	for _, entry := range h.cfg.Transport.Peers {
		deviceID, address := parsePeer(entry)
		if address == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.node.Dial(ctx, h.dialer, deviceID, address)
			if err != nil {
				h.logger.Warn("dial failed", zap.String("address", address), zap.Error(err))
				return
			}
			h.logger.Info("connected",
				zap.String("peer", s.PeerID()),
				zap.String("address", address),
				zap.Stringer("quality", s.Quality()))
			mu.Lock()
			connected++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return connected
}

// maintenance runs the periodic jobs: status log and forward log pruning
func (h *host) maintenance(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.logger.Info("status",
			zap.Strings("peers", h.node.Peers()),
			zap.Int("dedup_entries", h.node.Router().Dedup().Len()),
			zap.Strings("routes", h.node.Router().Table().Destinations()))

		if h.store != nil && h.cfg.Storage.ForwardLogRetention > 0 {
			cutoff := time.Now().Add(-h.cfg.Storage.ForwardLogRetention)
			if n, err := h.store.PruneForwardLog(cutoff); err != nil {
				h.logger.Warn("forward log prune failed", zap.Error(err))
			} else if n > 0 {
				h.logger.Debug("forward log pruned", zap.Int64("removed", n))
			}
		}
	}
}

// Close shuts everything down in reverse order of construction
func (h *host) Close() {
	// The libp2p host is its own listener and is closed last
	if h.listener != nil && h.p2pHost == nil {
		_ = h.listener.Close()
	}
	if h.node != nil {
		_ = h.node.Close()
	}
	h.wg.Wait()
	if h.p2pHost != nil {
		_ = h.p2pHost.Close()
	}
	if h.recorder != nil {
		if err := h.recorder.Close(); err != nil {
			h.logger.Warn("trace close failed", zap.Error(err))
		}
	}
	if h.store != nil {
		_ = h.store.Close()
	}
}

// loadOrGenerateIdentity reads the libp2p private key at path, creating it on first use
func loadOrGenerateIdentity(path string) (p2pcrypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		priv, err := p2pcrypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse libp2p identity %s: %w", path, err)
		}
		return priv, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read libp2p identity: %w", err)
	}

	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate libp2p identity: %w", err)
	}
	if err := saveIdentity(path, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

func saveIdentity(path string, priv p2pcrypto.PrivKey) error {
	data, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encode libp2p identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write libp2p identity: %w", err)
	}
	return nil
}
