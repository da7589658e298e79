// Package timeline serves the public reverse-chronological feed.
package timeline

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/cursor"
	"github.com/dgnsrekt/feedrelay/internal/data"
	"github.com/dgnsrekt/feedrelay/internal/zset"
)

const (
	DefaultName            = "public"
	DefaultWindow          = 1000
	DefaultOverfetchFactor = 3
	DefaultOverfetchCap    = 300
)

// SortedSet is the ordered cache the timeline is kept in.
type SortedSet interface {
	Add(ctx context.Context, key string, members ...zset.Member) error
	RevRangeByScore(ctx context.Context, key string, max int64, offset, count int) ([]zset.Member, error)
	Remove(ctx context.Context, key string, ids ...string) error
	TrimToNewest(ctx context.Context, key string, keep int) error
}

// CacheOptions configures a Cache. Zero values fall back to the defaults.
type CacheOptions struct {
	Name            string
	Window          int
	OverfetchFactor int
	OverfetchCap    int
}

// CachePage is one range read from the cache.
type CachePage struct {
	Entries []zset.Member
	// Exhausted is set when the cache holds nothing further below the last
	// entry. A non-empty page shorter than the limit is always exhausted.
	Exhausted bool
}

// Cache keeps a bounded window of the newest eligible post ids, scored by
// creation time in milliseconds. A nil set disables caching.
type Cache struct {
	set      SortedSet
	key      string
	window   int
	factor   int
	batchCap int
	logger   *zap.Logger
}

func NewCache(set SortedSet, opts CacheOptions, logger *zap.Logger) *Cache {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.OverfetchFactor <= 0 {
		opts.OverfetchFactor = DefaultOverfetchFactor
	}
	if opts.OverfetchCap <= 0 {
		opts.OverfetchCap = DefaultOverfetchCap
	}
	return &Cache{
		set:      set,
		key:      "timeline:" + opts.Name,
		window:   opts.Window,
		factor:   opts.OverfetchFactor,
		batchCap: opts.OverfetchCap,
		logger:   logger,
	}
}

func (c *Cache) Key() string { return c.key }

func (c *Cache) Window() int { return c.window }

func (c *Cache) Enabled() bool { return c != nil && c.set != nil }

// FetchPage returns up to limit entries strictly below cur, newest first.
// An unreachable cache yields an empty, non-exhausted page so the caller
// falls back to the store.
func (c *Cache) FetchPage(ctx context.Context, limit int, cur *cursor.Cursor) CachePage {
	if !c.Enabled() || limit <= 0 {
		return CachePage{}
	}

	batch := min(limit*c.factor, c.batchCap)
	if batch < limit {
		batch = limit
	}

	upper := int64(math.MaxInt64)
	if cur != nil {
		upper = cur.Score
	}

	var (
		entries   []zset.Member
		exhausted bool
		offset    int
	)
	for len(entries) < limit {
		members, err := c.set.RevRangeByScore(ctx, c.key, upper, offset, batch)
		if err != nil {
			c.logger.Warn("timeline cache unavailable",
				zap.String("key", c.key),
				zap.Error(err),
			)
			return CachePage{}
		}

		for _, m := range members {
			// equal-score members at or above the cursor id were already served
			if cur != nil && !cur.Before(m.Score, m.ID) {
				continue
			}
			entries = append(entries, m)
		}

		if len(members) < batch {
			exhausted = true
			break
		}
		offset += batch
	}

	if len(entries) > limit {
		entries = entries[:limit]
		exhausted = false
	}
	return CachePage{Entries: entries, Exhausted: exhausted}
}

// Insert adds eligible posts and trims the set to the configured window.
func (c *Cache) Insert(ctx context.Context, posts ...data.Post) error {
	if !c.Enabled() {
		return nil
	}

	members := make([]zset.Member, 0, len(posts))
	for _, p := range posts {
		if p.Eligible() {
			members = append(members, zset.Member{ID: p.ID, Score: p.Score()})
		}
	}
	if len(members) == 0 {
		return nil
	}

	if err := c.set.Add(ctx, c.key, members...); err != nil {
		return err
	}
	return c.set.TrimToNewest(ctx, c.key, c.window)
}

// Evict removes stale ids. Failures are logged and retried on the next read
// that meets the same ids.
func (c *Cache) Evict(ctx context.Context, ids ...string) {
	if !c.Enabled() || len(ids) == 0 {
		return
	}
	if err := c.set.Remove(ctx, c.key, ids...); err != nil {
		c.logger.Warn("timeline cache eviction failed",
			zap.Strings("ids", ids),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("evicted stale timeline entries", zap.Strings("ids", ids))
}
