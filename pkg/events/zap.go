package events

import (
	"go.uber.org/zap"
)

// ZapObserver logs events with structured fields
type ZapObserver struct {
	logger *zap.Logger
}

func NewZapObserver(logger *zap.Logger) *ZapObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapObserver{logger: logger}
}

func (z *ZapObserver) Observe(e Event) {
	fields := []zap.Field{zap.String("event", e.Kind.String())}
	if e.Peer != "" {
		fields = append(fields, zap.String("peer", e.Peer))
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
	}
	if e.Quality != "" {
		fields = append(fields, zap.String("quality", e.Quality))
	}
	if e.MessageID != "" {
		fields = append(fields, zap.String("message_id", e.MessageID))
	}
	if e.Receiver != "" {
		fields = append(fields, zap.String("receiver", e.Receiver), zap.Uint32("hops", e.HopCount))
	}
	if e.NextHop != "" {
		fields = append(fields, zap.String("next_hop", e.NextHop))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	} else if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}

	switch e.Kind {
	case KindRoutingFailed, KindHandshakeTimedOut, KindFrameDropped:
		z.logger.Warn("mesh event", fields...)
	case KindStateChanged, KindQualityChanged:
		z.logger.Info("mesh event", fields...)
	default:
		// Content is never logged
		z.logger.Debug("mesh event", fields...)
	}
}
