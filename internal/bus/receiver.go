package bus

import (
	"context"

	"go.uber.org/zap"
)

// receiver decodes raw payloads from a transport and forwards the ones
// published by other instances.
type receiver struct {
	origin string
	codec  *Codec
	out    chan Message
	logger *zap.Logger
}

func newReceiver(origin string, codec *Codec, logger *zap.Logger) *receiver {
	return &receiver{
		origin: origin,
		codec:  codec,
		out:    make(chan Message, subscribeBuffer),
		logger: logger,
	}
}

// accept returns false once ctx is done.
func (r *receiver) accept(ctx context.Context, payload []byte) bool {
	msg, err := r.codec.Decode(payload)
	if err != nil {
		r.logger.Warn("dropping undecodable bus message", zap.Error(err))
		return true
	}
	if msg.Origin == r.origin {
		return true
	}

	select {
	case r.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
