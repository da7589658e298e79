//go:build zmq

package bus

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/event"
)

const (
	zmqTopic       = "feedrelay"
	zmqRecvTimeout = 500 * time.Millisecond
)

// ZMQ is a Bus over ZeroMQ PUB/SUB. Instances publish to the proxy's XSUB
// endpoint and subscribe on its XPUB endpoint.
type ZMQ struct {
	zctx      *zmq.Context
	pub       *zmq.Socket
	pubMu     sync.Mutex
	subAddr   string
	origin    string
	codec     *Codec
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// Compile-time interface verification
var _ Bus = (*ZMQ)(nil)

func NewZMQ(pubAddr, subAddr, origin string, codec *Codec, logger *zap.Logger) (*ZMQ, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create zmq context: %w", err)
	}

	pub, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		zctx.Term()
		return nil, fmt.Errorf("create PUB socket: %w", err)
	}
	if err := pub.Connect(pubAddr); err != nil {
		pub.Close()
		zctx.Term()
		return nil, fmt.Errorf("connect PUB %s: %w", pubAddr, err)
	}

	return &ZMQ{
		zctx:    zctx,
		pub:     pub,
		subAddr: subAddr,
		origin:  origin,
		codec:   codec,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

func (z *ZMQ) Publish(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-z.done:
		return ErrClosed
	default:
	}

	payload, err := z.codec.Encode(Message{Origin: z.origin, SentAt: time.Now().UnixMilli(), Event: env})
	if err != nil {
		return err
	}

	// sockets are not safe for concurrent use
	z.pubMu.Lock()
	defer z.pubMu.Unlock()
	if _, err := z.pub.SendMessage(zmqTopic, payload); err != nil {
		return fmt.Errorf("zmq publish: %w", err)
	}
	return nil
}

func (z *ZMQ) Subscribe(ctx context.Context) (<-chan Message, error) {
	select {
	case <-z.done:
		return nil, ErrClosed
	default:
	}

	sub, err := z.zctx.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("create SUB socket: %w", err)
	}
	if err := sub.Connect(z.subAddr); err != nil {
		sub.Close()
		return nil, fmt.Errorf("connect SUB %s: %w", z.subAddr, err)
	}
	if err := sub.SetSubscribe(zmqTopic); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := sub.SetRcvtimeo(zmqRecvTimeout); err != nil {
		sub.Close()
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}

	recv := newReceiver(z.origin, z.codec, z.logger)

	z.wg.Add(1)
	go func() {
		defer z.wg.Done()
		defer close(recv.out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-z.done:
				return
			default:
			}

			parts, err := sub.RecvMessageBytes(0)
			if err != nil {
				if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
					continue
				}
				z.logger.Warn("zmq receive failed", zap.Error(err))
				continue
			}
			if len(parts) < 2 {
				z.logger.Warn("dropping malformed zmq message", zap.Int("parts", len(parts)))
				continue
			}
			if !recv.accept(ctx, parts[1]) {
				return
			}
		}
	}()

	z.logger.Info("subscribed to bus", zap.String("transport", "zmq"), zap.String("addr", z.subAddr))
	return recv.out, nil
}

func (z *ZMQ) Close() error {
	var err error
	z.closeOnce.Do(func() {
		close(z.done)
		z.wg.Wait()
		z.pubMu.Lock()
		err = z.pub.Close()
		z.pubMu.Unlock()
		if termErr := z.zctx.Term(); err == nil {
			err = termErr
		}
	})
	return err
}

// RunProxy forwards messages from xsubAddr (where instances publish) to
// xpubAddr (where instances subscribe) until ctx is done.
func RunProxy(ctx context.Context, xsubAddr, xpubAddr string, logger *zap.Logger) error {
	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("create zmq context: %w", err)
	}
	defer zctx.Term()

	xsub, err := zctx.NewSocket(zmq.XSUB)
	if err != nil {
		return fmt.Errorf("create XSUB: %w", err)
	}
	defer xsub.Close()
	if err := xsub.Bind(xsubAddr); err != nil {
		return fmt.Errorf("bind XSUB %s: %w", xsubAddr, err)
	}

	xpub, err := zctx.NewSocket(zmq.XPUB)
	if err != nil {
		return fmt.Errorf("create XPUB: %w", err)
	}
	defer xpub.Close()
	if err := xpub.Bind(xpubAddr); err != nil {
		return fmt.Errorf("bind XPUB %s: %w", xpubAddr, err)
	}

	controlAddr := fmt.Sprintf("inproc://feedrelay-proxy-%d", time.Now().UnixNano())
	control, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return fmt.Errorf("create control socket: %w", err)
	}
	defer control.Close()
	if err := control.Bind(controlAddr); err != nil {
		return fmt.Errorf("bind control: %w", err)
	}

	// the stopper owns its own socket; zmq sockets must stay on one goroutine
	stopper, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return fmt.Errorf("create stopper socket: %w", err)
	}
	if err := stopper.Connect(controlAddr); err != nil {
		stopper.Close()
		return fmt.Errorf("connect stopper: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		defer stopper.Close()
		select {
		case <-ctx.Done():
			if _, err := stopper.Send("TERMINATE", 0); err != nil {
				logger.Warn("failed to stop zmq proxy", zap.Error(err))
			}
		case <-stopped:
		}
	}()

	logger.Info("zmq proxy started",
		zap.String("xsub", xsubAddr),
		zap.String("xpub", xpubAddr),
	)
	err = zmq.ProxySteerable(xsub, xpub, nil, control)
	close(stopped)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("zmq proxy: %w", err)
	}
	logger.Info("zmq proxy stopped")
	return nil
}
