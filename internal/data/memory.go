package data

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/cursor"
)

// MemoryStore keeps posts in process memory. It backs the "memory" store
// driver and the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	posts    map[string]Post
	media    map[string][]Media
	failNext error
	logger   *zap.Logger
}

// Compile-time interface verification
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		posts:  make(map[string]Post),
		media:  make(map[string][]Media),
		logger: logger,
	}
}

// NewMemoryStoreFromJSONL creates a store seeded with one post per line of path.
func NewMemoryStoreFromJSONL(path string, logger *zap.Logger) (*MemoryStore, error) {
	posts, err := LoadJSONL(path)
	if err != nil {
		return nil, err
	}

	store := NewMemoryStore(logger)
	for _, p := range posts {
		if err := store.PutPost(p); err != nil {
			logger.Warn("skipping post", zap.String("id", p.ID), zap.Error(err))
		}
	}
	logger.Info("loaded posts", zap.String("path", path), zap.Int("count", len(store.posts)))
	return store, nil
}

// LoadJSONL reads posts from a JSON-lines file.
func LoadJSONL(path string) ([]Post, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var posts []Post
	scanner := bufio.NewScanner(file)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var p Post
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		posts = append(posts, p)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return posts, nil
}

// PutPost inserts or replaces a post.
func (m *MemoryStore) PutPost(p Post) error {
	if p.Visibility == "" {
		p.Visibility = VisibilityPublic
	}
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
	return nil
}

// DeletePost soft-deletes a post.
func (m *MemoryStore) DeletePost(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.DeletedAt = &at
	m.posts[id] = p
	return nil
}

// AddMedia attaches media to a post.
func (m *MemoryStore) AddMedia(items ...Media) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range items {
		m.media[item.PostID] = append(m.media[item.PostID], item)
	}
}

// FailNext makes the next read return err. Used to simulate store outages.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) takeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MemoryStore) PostsByIDs(ctx context.Context, ids []string) (map[string]Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make(map[string]Post, len(ids))
	for _, id := range ids {
		if p, ok := m.posts[id]; ok && p.Eligible() {
			found[id] = p
		}
	}
	return found, nil
}

func (m *MemoryStore) PostsBefore(ctx context.Context, before *cursor.Cursor, limit int) ([]Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	posts := make([]Post, 0, len(m.posts))
	for _, p := range m.posts {
		if !p.Eligible() {
			continue
		}
		if before != nil && !before.Before(p.Score(), p.ID) {
			continue
		}
		posts = append(posts, p)
	}
	m.mu.RUnlock()

	SortNewestFirst(posts)
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (m *MemoryStore) MediaForPosts(ctx context.Context, ids []string) (map[string][]Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]Media, len(ids))
	for _, id := range ids {
		items := m.media[id]
		if len(items) == 0 {
			continue
		}
		sorted := append([]Media(nil), items...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
		out[id] = sorted
	}
	return out, nil
}
