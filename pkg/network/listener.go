package network

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/events"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// listen reads one frame per transport read until the transport fails.
// Malformed frames are dropped; only an I/O error or end of stream stops it.
// A message over the transport's size limit counts as an I/O error: a
// stream transport cannot skip it and stay in sync.
func (s *Session) listen(t transport.Transport) {
	buf := make([]byte, s.opts.MaxFrameSize)

	for {
		f, err := s.codec.ReadFrame(t, buf)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameDecode) {
				s.dropFrame(frameTag(buf), err)
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("peer closed the connection", zap.String("peer", s.PeerID()))
				s.transition(StateDisconnected, nil)
			} else {
				_ = s.fail(err)
			}
			return
		}

		switch m := f.(type) {
		case *protocol.KeyExchangeFrame:
			s.handleKeyExchange(m)
		case *protocol.MessageFrame:
			s.handleMessage(m)
		case *protocol.VoiceFrame:
			s.handleVoice(m)
		}
	}
}

func (s *Session) handleMessage(f *protocol.MessageFrame) {
	key := s.recvKey()
	if key == nil {
		s.dropFrame(f.Type(), ErrNotEstablished)
		return
	}
	plaintext, err := crypto.Decrypt(f.Ciphertext, f.IV, key)
	crypto.Wipe(key)
	if err != nil {
		s.dropFrame(f.Type(), err)
		return
	}

	id, content, err := protocol.OpenEnvelope(plaintext)
	if err != nil {
		s.dropFrame(f.Type(), err)
		return
	}

	msg := &protocol.Message{
		ID:         id,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Content:    content,
		Timestamp:  f.Timestamp,
		HopCount:   f.HopCount,
		Status:     protocol.StatusSent,
	}

	if s.handler != nil {
		s.handler.HandleMessage(s, msg)
		return
	}

	if msg.ReceiverID != s.opts.LocalID {
		s.logger.Debug("message for another device dropped",
			zap.String("peer", s.PeerID()),
			zap.String("receiver", msg.ReceiverID))
		return
	}
	msg.Status = protocol.StatusDelivered
	s.observer.Observe(events.Event{
		Time:      s.opts.Now(),
		Kind:      events.KindMessageReceived,
		Peer:      s.PeerID(),
		MessageID: msg.ID.String(),
		SenderID:  msg.SenderID,
		Receiver:  msg.ReceiverID,
		HopCount:  msg.HopCount,
		Content:   msg.Content,
	})
}

func (s *Session) handleVoice(f *protocol.VoiceFrame) {
	key := s.recvKey()
	if key == nil {
		s.dropFrame(f.Type(), ErrNotEstablished)
		return
	}
	audio, err := crypto.OpenBlob(f.EncryptedAudio, key)
	crypto.Wipe(key)
	if err != nil {
		s.dropFrame(f.Type(), err)
		return
	}

	s.observer.Observe(events.Event{
		Time:    s.opts.Now(),
		Kind:    events.KindVoiceReceived,
		Peer:    s.PeerID(),
		Content: audio,
	})
}

// frameTag is the type byte of the last read, for drop diagnostics
func frameTag(buf []byte) uint8 {
	if len(buf) == 0 {
		return 0
	}
	return buf[0]
}

func isEncodeError(err error) bool {
	return errors.Is(err, protocol.ErrFrameEncode)
}
