package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/events"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// Handler receives inbound traffic that needs more than an event. Node
// implements it. A session without a handler publishes MessageReceived for
// messages addressed to its local id and drops everything else.
type Handler interface {
	// HandleMessage is called from the listener goroutine for every
	// decrypted message frame, in arrival order
	HandleMessage(s *Session, msg *protocol.Message)
	// HandlePeerKey is called after a key exchange frame was accepted
	HandlePeerKey(s *Session, publicKey []byte)
	// HandleEnded is called once when the session reaches Error or Disconnected
	HandleEnded(s *Session)
}

// Session is one connection to an adjacent device: transport, handshake,
// session key and the listener goroutine reading from it.
type Session struct {
	opts     Options
	logger   *zap.Logger
	observer events.Observer
	handler  Handler
	codec    protocol.Codec

	mu           sync.Mutex
	state        State
	changed      chan struct{} // closed and replaced on every transition
	t            transport.Transport
	peerID       string
	keyPair      *crypto.KeyPair
	sessionKey   []byte
	peerKey      []byte
	quality      crypto.EncryptionQuality
	sentLocalKey bool
	lastErr      error

	// Serialises writes to the transport
	writeMu sync.Mutex

	framesDropped atomic.Uint64
}

// NewSession creates an idle session. handler may be nil.
func NewSession(opts Options, handler Handler) *Session {
	opts = opts.withDefaults()
	return &Session{
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
		handler:  handler,
		codec:    protocol.Codec{MaxFrameSize: opts.MaxFrameSize},
		changed:  make(chan struct{}),
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Quality returns where the current session key came from
func (s *Session) Quality() crypto.EncryptionQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// PeerID returns the remote device id, empty before a transport is bound
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// PeerKey returns the public key the peer presented, nil before the exchange
func (s *Session) PeerKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerKey == nil {
		return nil
	}
	return append([]byte(nil), s.peerKey...)
}

// Err returns the error that ended the session, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// FramesDropped counts inbound frames discarded as malformed or undecryptable
func (s *Session) FramesDropped() uint64 {
	return s.framesDropped.Load()
}

// Connect dials address with bounded retries, sends the local public key and
// waits for the peer's. On handshake timeout the session either falls back to
// the pre-shared key (quality PreShared) or ends in Error.
func (s *Session) Connect(ctx context.Context, dialer transport.Dialer, address string) error {
	if err := s.start(); err != nil {
		return err
	}

	t, err := s.dial(ctx, dialer, address)
	if err != nil {
		s.transition(StateError, err)
		return err
	}
	if err := s.bind(t); err != nil {
		return err
	}
	if err := s.sendLocalKey(); err != nil {
		return err
	}
	return s.waitHandshake(ctx)
}

// Accept binds an inbound transport and waits for the peer's public key.
// The local key is sent in response to the peer's.
func (s *Session) Accept(ctx context.Context, t transport.Transport) error {
	if err := s.start(); err != nil {
		_ = t.Close()
		return err
	}
	if err := s.bind(t); err != nil {
		return err
	}
	return s.waitHandshake(ctx)
}

func (s *Session) start() error {
	if err := s.opts.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSessionStarted, state)
	}
	tr := s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()
	s.emit(tr)
	return nil
}

func (s *Session) dial(ctx context.Context, dialer transport.Dialer, address string) (transport.Transport, error) {
	attempts := s.opts.ConnectAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		t, err := dialer.Dial(ctx, address)
		if err == nil {
			return t, nil
		}
		lastErr = err
		s.logger.Warn("connect attempt failed",
			zap.String("address", address),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(s.opts.ConnectRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: connect %s: %w", ErrTransport, address, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: connect %s failed after %d attempts: %w", ErrTransport, address, attempts, lastErr)
}

// bind attaches the transport, moves to Handshaking and starts the listener
func (s *Session) bind(t transport.Transport) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		_ = t.Close()
		s.transition(StateError, err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		kp.Wipe()
		_ = t.Close()
		return fmt.Errorf("%w: session %s while connecting", ErrTransport, state)
	}
	s.t = t
	s.peerID = protocol.NormalizeID(t.RemoteID())
	s.keyPair = kp
	tr := s.setStateLocked(StateHandshaking, nil)
	s.mu.Unlock()
	s.emit(tr)

	s.logger.Info("transport bound", zap.String("peer", s.PeerID()))
	go s.listen(t)
	return nil
}

func (s *Session) sendLocalKey() error {
	s.mu.Lock()
	if s.sentLocalKey || s.keyPair == nil {
		s.mu.Unlock()
		return nil
	}
	s.sentLocalKey = true
	pub := s.keyPair.PublicKey()
	t := s.t
	s.mu.Unlock()

	return s.writeFrame(t, &protocol.KeyExchangeFrame{PublicKey: pub})
}

// waitHandshake polls for key material up to HandshakeAttempts times, one
// HandshakePollInterval apart. State changes wake it early.
func (s *Session) waitHandshake(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HandshakePollInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()

		switch {
		case state == StateEstablished:
			return nil
		case state.Terminal():
			return fmt.Errorf("%w: session %s during handshake", ErrTransport, state)
		}

		if attempt >= s.opts.HandshakeAttempts {
			return s.handshakeTimedOut()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
			attempt++
			s.logger.Debug("waiting for peer key",
				zap.String("peer", s.PeerID()),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.opts.HandshakeAttempts))
		}
	}
}

func (s *Session) handshakeTimedOut() error {
	timeoutErr := fmt.Errorf("%w after %d attempts", ErrHandshakeTimeout, s.opts.HandshakeAttempts)

	s.mu.Lock()
	switch {
	case s.state == StateEstablished:
		s.mu.Unlock()
		return nil
	case s.state != StateHandshaking:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s during handshake", ErrTransport, state)
	}

	var tr *transition
	if s.opts.FallbackKey == nil {
		tr = s.setStateLocked(StateError, timeoutErr)
	} else {
		s.sessionKey = append([]byte(nil), s.opts.FallbackKey...)
		s.quality = crypto.QualityPreShared
		tr = s.setStateLocked(StateEstablished, nil)
	}
	peer, quality := s.peerID, s.quality
	s.mu.Unlock()

	s.logger.Warn("handshake timed out",
		zap.String("peer", peer),
		zap.Stringer("quality", quality),
		zap.Bool("fallback", s.opts.FallbackKey != nil))
	s.observer.Observe(events.Event{
		Time:    s.opts.Now(),
		Kind:    events.KindHandshakeTimedOut,
		Peer:    peer,
		Quality: quality.String(),
		Reason:  timeoutErr.Error(),
		Err:     timeoutErr,
	})
	s.emit(tr)

	if s.opts.FallbackKey == nil {
		return timeoutErr
	}
	return nil
}

// handleKeyExchange derives the session key from the peer's public key.
// Lock order is writeMu before mu. While our own key is still unsent the
// write lock is taken first and held until that key is on the wire, so no
// frame encrypted with the new key can overtake it. Nothing blocks on the
// transport while mu is held, so Close can always abort a stuck write.
func (s *Session) handleKeyExchange(f *protocol.KeyExchangeFrame) {
	s.mu.Lock()
	mayReply := !s.sentLocalKey
	s.mu.Unlock()

	holdingWrite := false
	if mayReply {
		s.writeMu.Lock()
		holdingWrite = true
	}
	releaseWrite := func() {
		if holdingWrite {
			holdingWrite = false
			s.writeMu.Unlock()
		}
	}
	defer releaseWrite()

	s.mu.Lock()
	if s.state != StateHandshaking && s.state != StateEstablished {
		s.mu.Unlock()
		return
	}

	if s.state == StateEstablished && s.quality == crypto.QualityECDH {
		same := string(f.PublicKey) == string(s.peerKey)
		peer := s.peerID
		s.mu.Unlock()
		releaseWrite()
		if same {
			s.logger.Debug("duplicate key exchange ignored", zap.String("peer", peer))
		} else {
			s.logger.Warn("key change from established peer ignored",
				zap.String("peer", peer),
				zap.String("fingerprint", crypto.Fingerprint(f.PublicKey)))
		}
		return
	}

	shared, err := crypto.DeriveSharedSecret(s.keyPair.Private[:], f.PublicKey)
	if err != nil {
		s.mu.Unlock()
		releaseWrite()
		s.dropFrame(f.Type(), err)
		return
	}
	key := crypto.DeriveSessionKey(shared)
	crypto.Wipe(shared)

	crypto.Wipe(s.sessionKey)
	s.sessionKey = key
	prevQuality := s.quality
	s.quality = crypto.QualityECDH
	s.peerKey = append([]byte(nil), f.PublicKey...)

	var (
		tr       *transition
		upgraded bool
	)
	if s.state == StateHandshaking {
		tr = s.setStateLocked(StateEstablished, nil)
	} else if prevQuality == crypto.QualityPreShared {
		upgraded = true
	}

	// sentLocalKey only goes from false to true, so needSend implies we
	// already hold the write lock
	needSend := !s.sentLocalKey && holdingWrite
	var pub []byte
	if needSend {
		s.sentLocalKey = true
		pub = s.keyPair.PublicKey()
	}
	t, peer := s.t, s.peerID
	s.mu.Unlock()

	var writeErr error
	if needSend {
		writeErr = s.writeLocked(t, &protocol.KeyExchangeFrame{PublicKey: pub})
	}
	releaseWrite()

	s.logger.Info("key exchange complete",
		zap.String("peer", peer),
		zap.String("fingerprint", crypto.Fingerprint(f.PublicKey)))
	s.emit(tr)
	if upgraded {
		s.observer.Observe(events.Event{
			Time:    s.opts.Now(),
			Kind:    events.KindQualityChanged,
			Peer:    peer,
			Quality: crypto.QualityECDH.String(),
		})
	}
	if s.handler != nil {
		s.handler.HandlePeerKey(s, f.PublicKey)
	}
	if writeErr != nil {
		_ = s.fail(writeErr)
	}
}

// RotateKey replaces the session key with SHA-256(key || at in ms). The peer
// must rotate with the same timestamp; nothing on the wire coordinates it.
func (s *Session) RotateKey(at time.Time) error {
	s.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	begin := s.setStateLocked(StateHandshaking, nil)
	next := crypto.RotateKey(s.sessionKey, at.UnixMilli())
	crypto.Wipe(s.sessionKey)
	s.sessionKey = next
	end := s.setStateLocked(StateEstablished, nil)
	peer := s.peerID
	s.mu.Unlock()

	s.emit(begin)
	s.emit(end)
	s.logger.Info("session key rotated", zap.String("peer", peer))
	return nil
}

// SendMessage encrypts msg with the session key and writes it as one frame
func (s *Session) SendMessage(msg *protocol.Message) error {
	key, t, err := s.sendKey()
	if err != nil {
		return err
	}
	defer crypto.Wipe(key)

	envelope := protocol.SealEnvelope(msg.ID, msg.Content)
	ciphertext, iv, err := crypto.Encrypt(envelope, key)
	if err != nil {
		return err
	}

	return s.writeFrame(t, &protocol.MessageFrame{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Timestamp:  msg.Timestamp,
		HopCount:   msg.HopCount,
		IV:         iv,
		Ciphertext: ciphertext,
	})
}

// SendVoice encrypts an audio chunk and writes it as a voice frame
func (s *Session) SendVoice(audio []byte) error {
	key, t, err := s.sendKey()
	if err != nil {
		return err
	}
	defer crypto.Wipe(key)

	blob, err := crypto.SealBlob(audio, key)
	if err != nil {
		return err
	}
	return s.writeFrame(t, &protocol.VoiceFrame{
		Timestamp:      s.opts.Now().UnixMilli(),
		EncryptedAudio: blob,
	})
}

// SendRaw writes pre-encoded bytes as one transport message
func (s *Session) SendRaw(data []byte) error {
	s.mu.Lock()
	if err := s.sendableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	t := s.t
	s.mu.Unlock()

	s.writeMu.Lock()
	_, err := t.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Close tears the session down: Disconnected, transport closed, keys wiped
func (s *Session) Close() error {
	s.mu.Lock()
	tr := s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()
	s.emit(tr)
	return nil
}

func (s *Session) sendableLocked() error {
	switch {
	case s.state == StateEstablished:
		return nil
	case s.state.Terminal():
		return fmt.Errorf("%w: session %s", ErrTransport, s.state)
	default:
		return fmt.Errorf("%w: state %s", ErrNotEstablished, s.state)
	}
}

// sendKey returns a copy of the session key for one send
func (s *Session) sendKey() ([]byte, transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendableLocked(); err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), s.sessionKey...), s.t, nil
}

// recvKey returns a copy of the session key, nil if there is none yet
func (s *Session) recvKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished || len(s.sessionKey) == 0 {
		return nil
	}
	return append([]byte(nil), s.sessionKey...)
}

func (s *Session) writeFrame(t transport.Transport, f protocol.Frame) error {
	s.writeMu.Lock()
	err := s.writeLocked(t, f)
	s.writeMu.Unlock()

	if err != nil {
		return s.fail(err)
	}
	return nil
}

// writeLocked encodes and writes f; the caller holds writeMu. Encoding errors
// are returned wrapped in protocol.ErrFrameEncode and are not fatal.
func (s *Session) writeLocked(t transport.Transport, f protocol.Frame) error {
	buf, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	_, err = t.Write(buf)
	return err
}

// fail ends the session after an I/O error. Encoding errors pass through.
func (s *Session) fail(err error) error {
	if isEncodeError(err) {
		return err
	}
	wrapped := fmt.Errorf("%w: %w", ErrTransport, err)
	s.transition(StateDisconnected, wrapped)
	return wrapped
}

func (s *Session) dropFrame(tag uint8, err error) {
	s.framesDropped.Add(1)
	peer := s.PeerID()
	s.logger.Warn("frame dropped",
		zap.String("peer", peer),
		zap.Uint8("type", tag),
		zap.Error(err))
	s.observer.Observe(events.Event{
		Time:   s.opts.Now(),
		Kind:   events.KindFrameDropped,
		Peer:   peer,
		Reason: err.Error(),
		Err:    err,
	})
}

type transition struct {
	event events.Event
	to    State
}

// setStateLocked changes state and returns the transition to publish after
// the lock is released, or nil if nothing changed. Terminal states release
// the transport and wipe key material.
func (s *Session) setStateLocked(to State, err error) *transition {
	from := s.state
	if from == to || from.Terminal() {
		return nil
	}
	s.state = to
	if err != nil {
		s.lastErr = err
	}
	close(s.changed)
	s.changed = make(chan struct{})

	if to.Terminal() {
		s.releaseLocked()
	}

	ev := events.Event{
		Time:    s.opts.Now(),
		Kind:    events.KindStateChanged,
		Peer:    s.peerID,
		From:    from.String(),
		To:      to.String(),
		Quality: s.quality.String(),
		Err:     err,
	}
	if err != nil {
		ev.Reason = err.Error()
	}
	return &transition{event: ev, to: to}
}

func (s *Session) releaseLocked() {
	if s.t != nil {
		_ = s.t.Close()
	}
	crypto.Wipe(s.sessionKey)
	s.sessionKey = nil
	if s.keyPair != nil {
		s.keyPair.Wipe()
	}
	s.quality = crypto.QualityNone
}

func (s *Session) transition(to State, err error) {
	s.mu.Lock()
	tr := s.setStateLocked(to, err)
	s.mu.Unlock()
	s.emit(tr)
}

func (s *Session) emit(tr *transition) {
	if tr == nil {
		return
	}
	fields := []zap.Field{
		zap.String("peer", tr.event.Peer),
		zap.String("from", tr.event.From),
		zap.String("to", tr.event.To),
	}
	if tr.event.Err != nil {
		fields = append(fields, zap.Error(tr.event.Err))
	}
	s.logger.Debug("session state changed", fields...)

	s.observer.Observe(tr.event)
	if tr.to.Terminal() && s.handler != nil {
		s.handler.HandleEnded(s)
	}
}
