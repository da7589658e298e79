package ws

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/admission"
	"github.com/dgnsrekt/feedrelay/internal/bus"
	"github.com/dgnsrekt/feedrelay/internal/event"
)

// ErrShuttingDown is returned by Register once Shutdown has started.
var ErrShuttingDown = errors.New("hub shutting down")

// Hub fans events out to the live connections of this instance.
//
// The client set is guarded by mu, held only for map mutation and snapshot.
// Delivery never blocks: a client whose queue is full is torn down.
type Hub struct {
	mu         sync.Mutex
	clients    map[*Client]struct{}
	closing    bool
	live       sync.WaitGroup
	admission  *admission.Limiter
	sendBuffer int
	logger     *zap.Logger
}

// NewHub creates a Hub. Every registered client releases its admission slot
// on teardown.
func NewHub(limiter *admission.Limiter, sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		admission:  limiter,
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Register adds an open client to the fan-out set.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return ErrShuttingDown
	}
	if _, ok := h.clients[c]; ok {
		return nil
	}
	h.clients[c] = struct{}{}
	h.live.Add(1)
	c.registered = true

	h.logger.Debug("client registered",
		zap.String("connID", c.id),
		zap.String("addr", c.addr),
		zap.Int("clients", len(h.clients)),
	)
	return nil
}

// Unregister removes a client. Safe to call repeatedly and concurrently with delivery.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("client unregistered",
			zap.String("connID", c.id),
			zap.Int("clients", n),
		)
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Copy clients to avoid holding lock during send
	list := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		list = append(list, c)
	}
	return list
}

// PublishLocal delivers e to every open local connection and returns the
// number of queues it reached.
func (h *Hub) PublishLocal(e event.Event) int {
	payload, err := event.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("type", string(e.Type())), zap.Error(err))
		return 0
	}
	return h.deliver(payload)
}

// OnRemoteEvent delivers an event received from another instance. It is
// never re-published.
func (h *Hub) OnRemoteEvent(e event.Event) int {
	return h.PublishLocal(e)
}

func (h *Hub) deliver(payload []byte) int {
	delivered := 0
	for _, c := range h.snapshot() {
		if c.State() != StateOpen {
			continue
		}
		select {
		case c.send <- payload:
			delivered++
		default:
			h.logger.Warn("client send buffer full, disconnecting",
				zap.String("connID", c.id),
				zap.String("addr", c.addr),
			)
			c.teardown(closeSlow)
		}
	}
	return delivered
}

// Run consumes messages from other instances until ctx is done or the
// subscription closes.
func (h *Hub) Run(ctx context.Context, remote <-chan bus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-remote:
			if !ok {
				h.logger.Warn("bus subscription closed")
				return
			}
			e, err := event.Unwrap(msg.Event)
			if err != nil {
				h.logger.Warn("dropping remote event",
					zap.String("origin", msg.Origin),
					zap.Error(err),
				)
				continue
			}
			n := h.OnRemoteEvent(e)
			h.logger.Debug("remote event delivered",
				zap.String("origin", msg.Origin),
				zap.String("type", string(e.Type())),
				zap.Int("clients", n),
			)
		}
	}
}

// Shutdown sends a going-away close to every client and waits for their
// teardown, bounded by ctx. New registrations are refused from here on.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	clients := h.snapshot()
	h.logger.Info("hub shutting down", zap.Int("clients", len(clients)))
	for _, c := range clients {
		go c.teardown(closeGoingAway)
	}

	done := make(chan struct{})
	go func() {
		h.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown grace period exceeded", zap.Int("clients", h.Count()))
		return ctx.Err()
	}
}
