//go:build !zmq

package bus

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrZMQUnavailable is returned when the binary was built without the zmq tag.
var ErrZMQUnavailable = errors.New("zmq transport not compiled in (build with -tags zmq)")

// ZMQ is unavailable in this build.
type ZMQ struct{ Bus }

func NewZMQ(pubAddr, subAddr, origin string, codec *Codec, logger *zap.Logger) (*ZMQ, error) {
	return nil, ErrZMQUnavailable
}

func RunProxy(ctx context.Context, xsubAddr, xpubAddr string, logger *zap.Logger) error {
	return ErrZMQUnavailable
}
