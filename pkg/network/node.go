package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/events"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// Store is the persistence the node writes through. *storage.Store
// satisfies it; a nil Store disables persistence.
type Store interface {
	SaveMessage(msg *protocol.Message) error
	UpdateMessageStatus(id uuid.UUID, status protocol.MessageStatus) error
	GetPeer(deviceID string) (*protocol.PeerIdentity, error)
	SavePeer(p *protocol.PeerIdentity) error
	LogForward(r protocol.ForwardRecord) error
}

// Node owns everything a device needs to take part in the mesh: its
// sessions keyed by peer device id, the relay router and the store.
type Node struct {
	opts     Options
	logger   *zap.Logger
	observer events.Observer
	router   *mesh.Router
	store    Store

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewNode creates a node. store may be nil.
func NewNode(opts Options, store Store) (*Node, error) {
	opts = opts.withDefaults()
	if opts.LocalID == "" {
		return nil, errors.New("local id is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	router, err := mesh.NewRouter(mesh.Options{
		MaxHops:       opts.MaxHops,
		DedupTTL:      opts.DedupTTL,
		DedupCapacity: opts.DedupCapacity,
		Logger:        opts.Logger.Named("router"),
		Observer:      opts.Observer,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
		router:   router,
		store:    store,
		sessions: make(map[string]*Session),
	}, nil
}

// LocalID returns this device's normalized id
func (n *Node) LocalID() string { return n.opts.LocalID }

// Router returns the relay router, e.g. to feed its routing table
func (n *Node) Router() *mesh.Router { return n.router }

// Dial connects to a peer and registers the session once the handshake is
// done. If deviceID is set, the peer must announce that id.
func (n *Node) Dial(ctx context.Context, dialer transport.Dialer, deviceID, address string) (*Session, error) {
	if n.isClosed() {
		return nil, ErrNodeClosed
	}

	s := NewSession(n.sessionOptions(), n)
	if err := s.Connect(ctx, dialer, address); err != nil {
		_ = s.Close()
		return nil, err
	}

	if want := protocol.NormalizeID(deviceID); want != "" && s.PeerID() != want {
		_ = s.Close()
		return nil, fmt.Errorf("%w: dialed %q but peer announced %q", ErrTransport, want, s.PeerID())
	}
	if err := n.register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Accept runs the handshake on an inbound transport and registers the session
func (n *Node) Accept(ctx context.Context, t transport.Transport) (*Session, error) {
	if n.isClosed() {
		_ = t.Close()
		return nil, ErrNodeClosed
	}

	s := NewSession(n.sessionOptions(), n)
	if err := s.Accept(ctx, t); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := n.register(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (n *Node) sessionOptions() Options {
	opts := n.opts
	opts.Logger = n.logger.Named("session")
	return opts
}

// register adds s to the registry, replacing any older session to the same peer
func (n *Node) register(s *Session) error {
	peer := s.PeerID()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = s.Close()
		return ErrNodeClosed
	}
	if s.State().Terminal() {
		n.mu.Unlock()
		return fmt.Errorf("%w: session to %q ended during handshake", ErrTransport, peer)
	}
	old := n.sessions[peer]
	n.sessions[peer] = s
	n.mu.Unlock()

	if old != nil && old != s {
		n.logger.Info("replacing session", zap.String("peer", peer))
		_ = old.Close()
	}
	n.logger.Info("peer connected",
		zap.String("peer", peer),
		zap.Stringer("quality", s.Quality()))
	return nil
}

// Session returns the registered session to a peer
func (n *Node) Session(peerID string) (*Session, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[protocol.NormalizeID(peerID)]
	return s, ok
}

// Peers returns the ids of directly connected peers with an established session
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]string, 0, len(n.sessions))
	for id, s := range n.sessions {
		if s.State() == StateEstablished {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

// Send creates a message to receiverID and hands it to the next hop: the
// receiver itself when directly connected, otherwise a relay chosen by the
// router. The returned message carries the final status, Sent or Failed.
func (n *Node) Send(ctx context.Context, receiverID string, content []byte) (*protocol.Message, error) {
	if n.isClosed() {
		return nil, ErrNodeClosed
	}

	msg := protocol.NewMessage(n.opts.LocalID, receiverID, content)
	if msg.ReceiverID == "" {
		return nil, fmt.Errorf("%w: empty receiver", ErrUnknownPeer)
	}
	n.persist(msg)

	if err := ctx.Err(); err != nil {
		n.setStatus(msg, protocol.StatusFailed)
		return msg, err
	}
	n.setStatus(msg, protocol.StatusSending)

	packet := mesh.Packet{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		HopCount:   msg.HopCount,
	}
	next, err := n.router.Route(packet, n.Peers())
	if err != nil {
		n.setStatus(msg, protocol.StatusFailed)
		return msg, err
	}

	s, found := n.Session(next)
	if !found {
		n.setStatus(msg, protocol.StatusFailed)
		return msg, fmt.Errorf("%w: %q", ErrUnknownPeer, next)
	}
	if err := s.SendMessage(msg); err != nil {
		n.setStatus(msg, protocol.StatusFailed)
		return msg, err
	}

	n.setStatus(msg, protocol.StatusSent)
	n.logger.Debug("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("receiver", msg.ReceiverID),
		zap.String("next_hop", next))
	return msg, nil
}

// Forward relays a message that arrived from fromPeer and is addressed to
// someone else. The hop count is incremented and the envelope re-encrypted
// with the next hop's session key.
func (n *Node) Forward(fromPeer string, msg *protocol.Message) error {
	record := protocol.ForwardRecord{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		FromPeer:   fromPeer,
		HopCount:   msg.HopCount,
		Timestamp:  n.opts.Now().UnixMilli(),
	}

	packet := mesh.Packet{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		HopCount:   msg.HopCount,
	}
	next, err := n.router.Route(packet, n.Peers())
	switch {
	case errors.Is(err, mesh.ErrDuplicate):
		// Already relayed within the TTL window; not worth a log entry
		return err
	case err != nil:
		n.logForward(record, err)
		return err
	}

	s, found := n.Session(next)
	if !found {
		err := fmt.Errorf("%w: %q", ErrUnknownPeer, next)
		n.logForward(record, err)
		return err
	}

	relayed := *msg
	relayed.HopCount = msg.HopCount + 1
	record.NextHop = next
	record.HopCount = relayed.HopCount

	if err := s.SendMessage(&relayed); err != nil {
		record.NextHop = ""
		n.logForward(record, err)
		return err
	}
	n.logForward(record, nil)

	n.observer.Observe(events.Event{
		Time:      n.opts.Now(),
		Kind:      events.KindMessageForwarded,
		Peer:      fromPeer,
		MessageID: msg.ID.String(),
		SenderID:  msg.SenderID,
		Receiver:  msg.ReceiverID,
		HopCount:  relayed.HopCount,
		NextHop:   next,
	})
	return nil
}

// HandleMessage delivers messages addressed to this device and relays the rest
func (n *Node) HandleMessage(s *Session, msg *protocol.Message) {
	if msg.ReceiverID != n.opts.LocalID {
		if err := n.Forward(s.PeerID(), msg); err != nil && !errors.Is(err, mesh.ErrDuplicate) {
			n.logger.Warn("relay failed",
				zap.String("message_id", msg.ID.String()),
				zap.String("from", s.PeerID()),
				zap.String("receiver", msg.ReceiverID),
				zap.Error(err))
		}
		return
	}

	// A flooded message can reach us over more than one path
	if !n.router.Dedup().Claim(msg.ID) {
		n.logger.Debug("duplicate delivery dropped", zap.String("message_id", msg.ID.String()))
		return
	}

	msg.Status = protocol.StatusDelivered
	n.persist(msg)

	n.observer.Observe(events.Event{
		Time:      n.opts.Now(),
		Kind:      events.KindMessageReceived,
		Peer:      s.PeerID(),
		MessageID: msg.ID.String(),
		SenderID:  msg.SenderID,
		Receiver:  msg.ReceiverID,
		HopCount:  msg.HopCount,
		Content:   msg.Content,
	})
}

// HandlePeerKey records the peer's public key
func (n *Node) HandlePeerKey(s *Session, publicKey []byte) {
	if n.store == nil {
		return
	}
	now := n.opts.Now()

	peer, err := n.store.GetPeer(s.PeerID())
	if err != nil || peer == nil {
		peer = protocol.NewPeerIdentity(s.PeerID(), publicKey, now)
	} else if !peer.Rekey(publicKey, now) {
		return
	}

	if err := n.store.SavePeer(peer); err != nil {
		n.logger.Warn("failed to save peer",
			zap.String("peer", s.PeerID()),
			zap.String("fingerprint", crypto.Fingerprint(publicKey)),
			zap.Error(err))
	}
}

// HandleEnded unregisters a session that reached a terminal state
func (n *Node) HandleEnded(s *Session) {
	peer := s.PeerID()

	n.mu.Lock()
	current, ok := n.sessions[peer]
	if ok && current == s {
		delete(n.sessions, peer)
	}
	n.mu.Unlock()

	if ok && current == s {
		fields := []zap.Field{zap.String("peer", peer), zap.Stringer("state", s.State())}
		if err := s.Err(); err != nil {
			fields = append(fields, zap.Error(err))
		}
		n.logger.Info("peer disconnected", fields...)
	}
}

// RunCacheCleaner calls CleanMessageCache every interval until ctx is done
func (n *Node) RunCacheCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.router.CleanMessageCache()
		}
	}
}

// Close tears down every session. The node cannot be reused.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.sessions = make(map[string]*Session)
	n.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	n.logger.Info("node closed", zap.Int("sessions", len(sessions)))
	return nil
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

func (n *Node) persist(msg *protocol.Message) {
	if n.store == nil {
		return
	}
	if err := n.store.SaveMessage(msg); err != nil {
		n.logger.Warn("failed to save message",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
	}
}

func (n *Node) setStatus(msg *protocol.Message, status protocol.MessageStatus) {
	if err := msg.Advance(status); err != nil {
		n.logger.Warn("invalid status change", zap.String("message_id", msg.ID.String()), zap.Error(err))
		return
	}
	if n.store == nil {
		return
	}
	if err := n.store.UpdateMessageStatus(msg.ID, status); err != nil {
		n.logger.Warn("failed to update message status",
			zap.String("message_id", msg.ID.String()),
			zap.Stringer("status", status),
			zap.Error(err))
	}
}

func (n *Node) logForward(r protocol.ForwardRecord, err error) {
	if err != nil {
		r.Failed = true
		r.Reason = err.Error()
	}
	if n.store == nil {
		return
	}
	if serr := n.store.LogForward(r); serr != nil {
		n.logger.Warn("failed to log forward",
			zap.String("message_id", r.MessageID.String()),
			zap.Error(serr))
	}
}
