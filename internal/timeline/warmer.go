package timeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/data"
)

const DefaultWarmInterval = 5 * time.Minute

// Warmer reloads the newest window of posts from the store into the cache,
// filling gaps left by missed inserts or a cache restart.
type Warmer struct {
	cache    *Cache
	store    data.Store
	interval time.Duration
	logger   *zap.Logger
}

func NewWarmer(cache *Cache, store data.Store, interval time.Duration, logger *zap.Logger) *Warmer {
	if interval <= 0 {
		interval = DefaultWarmInterval
	}
	return &Warmer{
		cache:    cache,
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Run warms once immediately and then on every tick until ctx is done.
func (w *Warmer) Run(ctx context.Context) {
	if !w.cache.Enabled() {
		return
	}

	w.warm(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.warm(ctx)
		}
	}
}

func (w *Warmer) warm(ctx context.Context) {
	start := time.Now()
	n, err := w.WarmOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("timeline warm failed", zap.Error(err))
		}
		return
	}
	w.logger.Debug("timeline warmed",
		zap.Int("posts", n),
		zap.Duration("took", time.Since(start)),
	)
}

// WarmOnce loads the newest window of eligible posts into the cache.
func (w *Warmer) WarmOnce(ctx context.Context) (int, error) {
	posts, err := w.store.PostsBefore(ctx, nil, w.cache.Window())
	if err != nil {
		return 0, err
	}
	if err := w.cache.Insert(ctx, posts...); err != nil {
		return 0, err
	}
	return len(posts), nil
}
