package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/event"
)

// Broker is an in-process channel shared by Memory buses. It stands in for
// Redis or ZeroMQ in single-process deployments and tests.
type Broker struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan []byte]struct{})}
}

func (b *Broker) add() chan []byte {
	ch := make(chan []byte, subscribeBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) remove(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// publish never blocks. A subscriber that falls behind misses the payload.
func (b *Broker) publish(payload []byte) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
			dropped++
		}
	}
	return dropped
}

// Memory is a Bus on top of a Broker.
type Memory struct {
	broker    *Broker
	origin    string
	codec     *Codec
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// Compile-time interface verification
var _ Bus = (*Memory)(nil)

func NewMemory(broker *Broker, origin string, codec *Codec, logger *zap.Logger) *Memory {
	return &Memory{
		broker: broker,
		origin: origin,
		codec:  codec,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (m *Memory) Publish(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	payload, err := m.codec.Encode(Message{Origin: m.origin, SentAt: time.Now().UnixMilli(), Event: env})
	if err != nil {
		return err
	}
	if dropped := m.broker.publish(payload); dropped > 0 {
		m.logger.Warn("bus subscribers behind, message dropped", zap.Int("subscribers", dropped))
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Message, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}

	in := m.broker.add()
	recv := newReceiver(m.origin, m.codec, m.logger)

	go func() {
		defer close(recv.out)
		defer m.broker.remove(in)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-m.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-in:
				if !recv.accept(ctx, payload) {
					return
				}
			}
		}
	}()
	return recv.out, nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
