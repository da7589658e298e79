package timeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/cursor"
	"github.com/dgnsrekt/feedrelay/internal/data"
)

const (
	MinLimit      = 1
	MaxLimit      = 100
	DefaultLimit  = 20
	MaxMediaItems = 4
)

var (
	// ErrInvalidRequest marks client input errors: bad limit or cursor.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnavailable marks a durable store failure with no further fallback.
	ErrUnavailable = errors.New("timeline unavailable")
)

// PostView is a post as served on the timeline.
type PostView struct {
	data.Post
	Media []data.Media `json:"media"`
}

// Page is one timeline page. NextCursor is empty at the end of the feed.
type Page struct {
	Posts      []PostView
	NextCursor string
}

// Reader serves timeline pages from the cache with a fallback to the store.
type Reader struct {
	cache  *Cache
	store  data.Store
	tracer trace.Tracer
	logger *zap.Logger
}

func NewReader(cache *Cache, store data.Store, logger *zap.Logger) *Reader {
	return &Reader{
		cache:  cache,
		store:  store,
		tracer: otel.Tracer("github.com/dgnsrekt/feedrelay/internal/timeline"),
		logger: logger,
	}
}

// GetPage returns up to limit posts strictly below the position encoded in
// token, newest first.
//
// A next cursor is returned iff the page had exactly limit candidates. Cache
// candidates that the store no longer has are evicted and dropped without
// being replaced, and the cursor is built from the last candidate rather than
// the last surviving post. A short cache page is topped up from the store.
func (r *Reader) GetPage(ctx context.Context, limit int, token string) (Page, error) {
	if limit < MinLimit || limit > MaxLimit {
		return Page{}, fmt.Errorf("%w: limit must be between %d and %d", ErrInvalidRequest, MinLimit, MaxLimit)
	}
	cur, err := cursor.Decode(token)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	ctx, span := r.tracer.Start(ctx, "timeline.GetPage",
		trace.WithAttributes(
			attribute.Int("timeline.limit", limit),
			attribute.Bool("timeline.has_cursor", cur != nil),
		),
	)
	defer span.End()

	var (
		posts      []data.Post
		candidates int
		last       cursor.Cursor
		source     = "cache"
	)

	cached := r.cache.FetchPage(ctx, limit, cur)
	if len(cached.Entries) > 0 {
		ids := make([]string, len(cached.Entries))
		for i, e := range cached.Entries {
			ids[i] = e.ID
		}

		found, err := r.store.PostsByIDs(ctx, ids)
		if err != nil {
			return Page{}, r.fail(span, "resolve cached ids", err)
		}

		var stale []string
		for _, id := range ids {
			p, ok := found[id]
			if !ok {
				stale = append(stale, id)
				continue
			}
			posts = append(posts, p)
		}
		if len(stale) > 0 {
			span.SetAttributes(attribute.Int("timeline.stale", len(stale)))
			r.cache.Evict(ctx, stale...)
		}

		tail := cached.Entries[len(cached.Entries)-1]
		last = cursor.Cursor{Score: tail.Score, ID: tail.ID}
		candidates = len(cached.Entries)

		// the cache ran out below its last entry; older posts live only in the store
		if cached.Exhausted && candidates < limit {
			extra, err := r.store.PostsBefore(ctx, &last, limit-candidates)
			if err != nil {
				return Page{}, r.fail(span, "top up from store", err)
			}
			if len(extra) > 0 {
				source = "cache+store"
				posts = append(posts, extra...)
				candidates += len(extra)
				tail := extra[len(extra)-1]
				last = cursor.Cursor{Score: tail.Score(), ID: tail.ID}
			}
		}
	} else {
		source = "store"
		posts, err = r.store.PostsBefore(ctx, cur, limit)
		if err != nil {
			return Page{}, r.fail(span, "fallback query", err)
		}
		candidates = len(posts)
		if candidates > 0 {
			tail := posts[candidates-1]
			last = cursor.Cursor{Score: tail.Score(), ID: tail.ID}
		}
	}

	page := Page{Posts: r.attachMedia(ctx, posts)}
	if candidates == limit {
		page.NextCursor = cursor.Encode(last)
	}

	span.SetAttributes(
		attribute.String("timeline.source", source),
		attribute.Int("timeline.results", len(page.Posts)),
	)
	return page, nil
}

func (r *Reader) fail(span trace.Span, step string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	r.logger.Error("timeline read failed", zap.String("step", step), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, step, err)
}

// attachMedia adds up to MaxMediaItems attachments per post. A failed lookup
// degrades to posts without media.
func (r *Reader) attachMedia(ctx context.Context, posts []data.Post) []PostView {
	views := make([]PostView, len(posts))
	if len(posts) == 0 {
		return views
	}

	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}

	media, err := r.store.MediaForPosts(ctx, ids)
	if err != nil {
		r.logger.Warn("media lookup failed", zap.Int("posts", len(ids)), zap.Error(err))
		media = nil
	}

	for i, p := range posts {
		items := media[p.ID]
		if len(items) > MaxMediaItems {
			items = items[:MaxMediaItems]
		}
		if items == nil {
			items = []data.Media{}
		}
		views[i] = PostView{Post: p, Media: items}
	}
	return views
}
