package data

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgnsrekt/feedrelay/internal/cursor"
)

var (
	ErrNotFound      = errors.New("post not found")
	ErrAlreadyExists = errors.New("post already exists")
	ErrInvalidPost   = errors.New("invalid post")
)

// Store is the durable, authoritative source of posts.
type Store interface {
	// PostsByIDs returns the eligible posts among ids, keyed by id.
	// Missing, soft-deleted and non-public posts are absent from the map.
	PostsByIDs(ctx context.Context, ids []string) (map[string]Post, error)

	// PostsBefore returns up to limit eligible posts strictly below the
	// watermark, ordered by (created_at, id) descending. A nil watermark
	// starts from the newest post.
	PostsBefore(ctx context.Context, before *cursor.Cursor, limit int) ([]Post, error)

	// MediaForPosts returns attachments per post id ordered by position.
	MediaForPosts(ctx context.Context, ids []string) (map[string][]Media, error)
}

// SortNewestFirst orders posts by (created_at, id) descending.
func SortNewestFirst(posts []Post) {
	sort.Slice(posts, func(i, j int) bool {
		si, sj := posts[i].Score(), posts[j].Score()
		if si != sj {
			return si > sj
		}
		return posts[i].ID > posts[j].ID
	})
}

// Validate checks the fields every stored post must carry.
func (p Post) Validate() error {
	switch {
	case !cursor.ValidPostID(p.ID):
		return fmt.Errorf("%w: malformed id %q", ErrInvalidPost, p.ID)
	case p.AuthorID == "":
		return fmt.Errorf("%w: author id is required", ErrInvalidPost)
	case p.CreatedAt.IsZero() || p.CreatedAt.UnixMilli() < 0:
		return fmt.Errorf("%w: created_at is required", ErrInvalidPost)
	}
	return nil
}
