// Package publish emits post events to local connections and to the other
// instances of the service.
package publish

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/bus"
	"github.com/dgnsrekt/feedrelay/internal/data"
	"github.com/dgnsrekt/feedrelay/internal/event"
	"github.com/dgnsrekt/feedrelay/internal/timeline"
)

// LocalHub delivers events to the connections of this instance.
type LocalHub interface {
	PublishLocal(e event.Event) int
}

// Result reports where an event went.
type Result struct {
	Local  int  `json:"local"`
	Remote bool `json:"remote"`
}

type Publisher struct {
	hub    LocalHub
	bus    bus.Bus
	cache  *timeline.Cache
	logger *zap.Logger
}

type Option func(*Publisher)

// WithTimeline keeps the shared timeline cache in step with created, updated
// and deleted posts.
func WithTimeline(cache *timeline.Cache) Option {
	return func(p *Publisher) { p.cache = cache }
}

// New creates a Publisher. A nil bus limits delivery to this instance.
func New(hub LocalHub, b bus.Bus, logger *zap.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		hub:    hub,
		bus:    b,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers e locally, updates the timeline cache and then hands e to
// the bus. Cache and bus failures are logged and never returned; the only
// error is an event that cannot be encoded at all.
func (p *Publisher) Publish(ctx context.Context, e event.Event) (Result, error) {
	env, err := event.Wrap(e)
	if err != nil {
		return Result{}, fmt.Errorf("publish: %w", err)
	}

	res := Result{Local: p.hub.PublishLocal(e)}

	p.syncTimeline(ctx, e)

	if p.bus == nil {
		return res, nil
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		level := zap.WarnLevel
		if errors.Is(err, context.Canceled) {
			level = zap.DebugLevel
		}
		p.logger.Log(level, "cross-instance publish failed",
			zap.String("type", string(env.Type)),
			zap.String("postId", env.PostID),
			zap.Error(err),
		)
		return res, nil
	}
	res.Remote = true
	return res, nil
}

func (p *Publisher) syncTimeline(ctx context.Context, e event.Event) {
	if !p.cache.Enabled() {
		return
	}
	switch ev := e.(type) {
	case event.PostCreated:
		p.insert(ctx, ev.Post)
	case event.PostUpdated:
		// visibility changes and soft deletes arrive as updates
		if ev.Post.Eligible() {
			p.insert(ctx, ev.Post)
		} else {
			p.cache.Evict(ctx, ev.Post.ID)
		}
	case event.PostDeleted:
		p.cache.Evict(ctx, ev.ID)
	}
}

func (p *Publisher) insert(ctx context.Context, post data.Post) {
	if err := p.cache.Insert(ctx, post); err != nil {
		p.logger.Warn("timeline insert failed",
			zap.String("postId", post.ID),
			zap.Error(err),
		)
	}
}
