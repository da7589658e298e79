package timeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/cursor"
	"github.com/dgnsrekt/feedrelay/internal/data"
	"github.com/dgnsrekt/feedrelay/internal/zset"
)

// failingSet simulates an unreachable cache.
type failingSet struct{}

var errCacheDown = errors.New("connection refused")

func (failingSet) Add(context.Context, string, ...zset.Member) error { return errCacheDown }
func (failingSet) RevRangeByScore(context.Context, string, int64, int, int) ([]zset.Member, error) {
	return nil, errCacheDown
}
func (failingSet) Remove(context.Context, string, ...string) error { return errCacheDown }
func (failingSet) TrimToNewest(context.Context, string, int) error { return errCacheDown }

// mediaFailingStore wraps a store whose media lookups always fail.
type mediaFailingStore struct {
	data.Store
}

func (mediaFailingStore) MediaForPosts(context.Context, []string) (map[string][]data.Media, error) {
	return nil, errors.New("media table locked")
}

func newPebbleSet(t *testing.T) *zset.Pebble {
	t.Helper()
	set, err := zset.OpenPebble(zset.PebbleOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { set.Close() })
	return set
}

func newStore(t *testing.T, posts ...data.Post) *data.MemoryStore {
	t.Helper()
	store := data.NewMemoryStore(zap.NewNop())
	for _, p := range posts {
		if err := store.PutPost(p); err != nil {
			t.Fatalf("put %s: %v", p.ID, err)
		}
	}
	return store
}

func post(id string, ms int64) data.Post {
	return data.Post{ID: id, AuthorID: "u1", Content: id, Visibility: data.VisibilityPublic, CreatedAt: time.UnixMilli(ms).UTC()}
}

func pageIDs(p Page) []string {
	out := make([]string, len(p.Posts))
	for i, v := range p.Posts {
		out[i] = v.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// paginate follows next cursors until the end of the feed.
func paginate(t *testing.T, r *Reader, limit int) []string {
	t.Helper()
	var (
		seen  []string
		token string
	)
	for i := 0; i < 1000; i++ {
		page, err := r.GetPage(context.Background(), limit, token)
		if err != nil {
			t.Fatalf("get page: %v", err)
		}
		seen = append(seen, pageIDs(page)...)
		if page.NextCursor == "" {
			return seen
		}
		token = page.NextCursor
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func TestEndToEndScenario(t *testing.T) {
	posts := []data.Post{post("a", 100), post("b", 100), post("c", 50)}

	for _, warm := range []bool{false, true} {
		t.Run(fmt.Sprintf("warm=%v", warm), func(t *testing.T) {
			store := newStore(t, posts...)
			cache := NewCache(newPebbleSet(t), CacheOptions{}, zap.NewNop())
			if warm {
				if err := cache.Insert(context.Background(), posts...); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}
			reader := NewReader(cache, store, zap.NewNop())

			first, err := reader.GetPage(context.Background(), 2, "")
			if err != nil {
				t.Fatalf("first page: %v", err)
			}
			if got := pageIDs(first); !equalIDs(got, []string{"b", "a"}) {
				t.Fatalf("first page = %v, want [b a]", got)
			}
			next, err := cursor.Decode(first.NextCursor)
			if err != nil || next == nil {
				t.Fatalf("decode next cursor: %v %v", next, err)
			}
			if *next != (cursor.Cursor{Score: 100, ID: "a"}) {
				t.Fatalf("next cursor = %+v, want (100, a)", *next)
			}

			second, err := reader.GetPage(context.Background(), 2, first.NextCursor)
			if err != nil {
				t.Fatalf("second page: %v", err)
			}
			if got := pageIDs(second); !equalIDs(got, []string{"c"}) {
				t.Fatalf("second page = %v, want [c]", got)
			}
			if second.NextCursor != "" {
				t.Errorf("expected end of feed, got cursor %q", second.NextCursor)
			}
		})
	}
}

func TestPaginationDeterminism(t *testing.T) {
	// 40 posts, eight per millisecond, so ties dominate
	var posts []data.Post
	for i := 0; i < 40; i++ {
		posts = append(posts, post(fmt.Sprintf("p%02d", i), int64(1000+i/8)))
	}
	expected := append([]data.Post(nil), posts...)
	data.SortNewestFirst(expected)
	want := make([]string, len(expected))
	for i, p := range expected {
		want[i] = p.ID
	}

	setups := map[string]func(t *testing.T) *Cache{
		"cold": func(t *testing.T) *Cache {
			return NewCache(newPebbleSet(t), CacheOptions{}, zap.NewNop())
		},
		"disabled": func(t *testing.T) *Cache {
			return NewCache(nil, CacheOptions{}, zap.NewNop())
		},
		"warm": func(t *testing.T) *Cache {
			c := NewCache(newPebbleSet(t), CacheOptions{}, zap.NewNop())
			if err := c.Insert(context.Background(), posts...); err != nil {
				t.Fatalf("insert: %v", err)
			}
			return c
		},
		"partial window": func(t *testing.T) *Cache {
			c := NewCache(newPebbleSet(t), CacheOptions{Window: 13, OverfetchCap: 4}, zap.NewNop())
			if err := c.Insert(context.Background(), posts...); err != nil {
				t.Fatalf("insert: %v", err)
			}
			return c
		},
	}

	for name, setup := range setups {
		for _, limit := range []int{1, 3, 7, 8, 40, 100} {
			t.Run(fmt.Sprintf("%s/limit=%d", name, limit), func(t *testing.T) {
				reader := NewReader(setup(t), newStore(t, posts...), zap.NewNop())
				got := paginate(t, reader, limit)
				if !equalIDs(got, want) {
					t.Fatalf("pagination = %v\nwant %v", got, want)
				}
			})
		}
	}
}

func TestDeletedPostsAreDroppedAndEvicted(t *testing.T) {
	var posts []data.Post
	for i := 0; i < 10; i++ {
		posts = append(posts, post(fmt.Sprintf("p%d", i), int64(100+i)))
	}
	store := newStore(t, posts...)
	set := newPebbleSet(t)
	cache := NewCache(set, CacheOptions{}, zap.NewNop())
	if err := cache.Insert(context.Background(), posts...); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// deleted after being cached
	for _, id := range []string{"p9", "p5", "p4"} {
		if err := store.DeletePost(id, time.Now()); err != nil {
			t.Fatalf("delete %s: %v", id, err)
		}
	}

	reader := NewReader(cache, store, zap.NewNop())
	first, err := reader.GetPage(context.Background(), 3, "")
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if got := pageIDs(first); !equalIDs(got, []string{"p8", "p7"}) {
		t.Fatalf("first page = %v, want [p8 p7]", got)
	}
	if first.NextCursor == "" {
		t.Fatal("a page with limit candidates must carry a cursor")
	}

	got := append(pageIDs(first), paginateFrom(t, reader, 3, first.NextCursor)...)
	want := []string{"p8", "p7", "p6", "p3", "p2", "p1", "p0"}
	if !equalIDs(got, want) {
		t.Fatalf("coverage = %v, want %v", got, want)
	}

	members, err := set.RevRangeByScore(context.Background(), cache.Key(), 1<<62, 0, 100)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	for _, m := range members {
		if m.ID == "p9" || m.ID == "p5" || m.ID == "p4" {
			t.Errorf("stale member %s still cached", m.ID)
		}
	}
}

func paginateFrom(t *testing.T, r *Reader, limit int, token string) []string {
	t.Helper()
	var seen []string
	for token != "" {
		page, err := r.GetPage(context.Background(), limit, token)
		if err != nil {
			t.Fatalf("get page: %v", err)
		}
		seen = append(seen, pageIDs(page)...)
		token = page.NextCursor
	}
	return seen
}

func TestCacheUnavailableFallsBackToStore(t *testing.T) {
	store := newStore(t, post("a", 1), post("b", 2), post("c", 3))
	cache := NewCache(failingSet{}, CacheOptions{}, zap.NewNop())

	page := cache.FetchPage(context.Background(), 2, nil)
	if len(page.Entries) != 0 || page.Exhausted {
		t.Fatalf("unreachable cache page = %+v, want empty and not exhausted", page)
	}

	reader := NewReader(cache, store, zap.NewNop())
	got := paginate(t, reader, 2)
	if !equalIDs(got, []string{"c", "b", "a"}) {
		t.Fatalf("pagination = %v, want [c b a]", got)
	}
}

func TestGetPageRejectsInvalidInput(t *testing.T) {
	reader := NewReader(NewCache(nil, CacheOptions{}, zap.NewNop()), newStore(t), zap.NewNop())

	for _, limit := range []int{0, -1, 101} {
		if _, err := reader.GetPage(context.Background(), limit, ""); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("limit %d: expected ErrInvalidRequest, got %v", limit, err)
		}
	}

	_, err := reader.GetPage(context.Background(), 10, "@@not-a-cursor@@")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if !errors.Is(err, cursor.ErrInvalidCursor) {
		t.Errorf("expected wrapped ErrInvalidCursor, got %v", err)
	}
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	store := newStore(t, post("a", 1))
	reader := NewReader(NewCache(nil, CacheOptions{}, zap.NewNop()), store, zap.NewNop())

	store.FailNext(errors.New("disk I/O error"))
	_, err := reader.GetPage(context.Background(), 10, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrInvalidRequest) {
		t.Error("store failure must not be reported as a client error")
	}
}

func TestMediaEnrichment(t *testing.T) {
	store := newStore(t, post("a", 1), post("b", 2))
	for i := 0; i < 6; i++ {
		store.AddMedia(data.Media{PostID: "a", Position: i, URL: fmt.Sprintf("https://cdn.example.com/a/%d.jpg", i), Kind: "image"})
	}

	reader := NewReader(NewCache(nil, CacheOptions{}, zap.NewNop()), store, zap.NewNop())
	page, err := reader.GetPage(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if len(page.Posts) != 2 {
		t.Fatalf("posts = %v, want 2", pageIDs(page))
	}
	if n := len(page.Posts[1].Media); n != MaxMediaItems {
		t.Errorf("media for a = %d, want %d", n, MaxMediaItems)
	}
	if page.Posts[1].Media[0].Position != 0 {
		t.Errorf("expected media ordered by position, got %+v", page.Posts[1].Media)
	}
	if page.Posts[0].Media == nil || len(page.Posts[0].Media) != 0 {
		t.Errorf("post without media should carry an empty list, got %+v", page.Posts[0].Media)
	}

	degraded := NewReader(NewCache(nil, CacheOptions{}, zap.NewNop()), mediaFailingStore{store}, zap.NewNop())
	page, err = degraded.GetPage(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("media failure must not fail the read: %v", err)
	}
	if len(page.Posts) != 2 || len(page.Posts[1].Media) != 0 {
		t.Errorf("expected posts without media, got %+v", page.Posts)
	}
}

func TestFetchPageSkipsTiesAcrossBatches(t *testing.T) {
	set := newPebbleSet(t)
	cache := NewCache(set, CacheOptions{OverfetchFactor: 3}, zap.NewNop())

	var posts []data.Post
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		posts = append(posts, post(id, 100))
	}
	posts = append(posts, post("x", 50))
	if err := cache.Insert(context.Background(), posts...); err != nil {
		t.Fatalf("insert: %v", err)
	}

	page := cache.FetchPage(context.Background(), 1, &cursor.Cursor{Score: 100, ID: "a"})
	if len(page.Entries) != 1 || page.Entries[0].ID != "x" {
		t.Fatalf("entries = %+v, want [x]", page.Entries)
	}

	page = cache.FetchPage(context.Background(), 1, &cursor.Cursor{Score: 50, ID: "x"})
	if len(page.Entries) != 0 || !page.Exhausted {
		t.Fatalf("page below last member = %+v, want empty and exhausted", page)
	}
}

func TestInsertSkipsIneligibleAndTrims(t *testing.T) {
	set := newPebbleSet(t)
	cache := NewCache(set, CacheOptions{Window: 2}, zap.NewNop())

	private := post("hidden", 500)
	private.Visibility = data.VisibilityPrivate
	if err := cache.Insert(context.Background(), post("a", 1), post("b", 2), post("c", 3), private); err != nil {
		t.Fatalf("insert: %v", err)
	}

	page := cache.FetchPage(context.Background(), 10, nil)
	if len(page.Entries) != 2 || page.Entries[0].ID != "c" || page.Entries[1].ID != "b" {
		t.Fatalf("entries = %+v, want [c b]", page.Entries)
	}
}

func TestWarmerLoadsNewestWindow(t *testing.T) {
	store := newStore(t, post("a", 1), post("b", 2), post("c", 3), post("d", 4))
	cache := NewCache(newPebbleSet(t), CacheOptions{Window: 3}, zap.NewNop())
	warmer := NewWarmer(cache, store, time.Hour, zap.NewNop())

	n, err := warmer.WarmOnce(context.Background())
	if err != nil {
		t.Fatalf("warm: %v", err)
	}
	if n != 3 {
		t.Errorf("warmed %d posts, want 3", n)
	}

	page := cache.FetchPage(context.Background(), 10, nil)
	if len(page.Entries) != 3 || page.Entries[0].ID != "d" || page.Entries[2].ID != "b" {
		t.Fatalf("entries = %+v, want [d c b]", page.Entries)
	}
}

func TestWarmerRunStopsOnCancel(t *testing.T) {
	store := newStore(t, post("a", 1))
	cache := NewCache(newPebbleSet(t), CacheOptions{}, zap.NewNop())
	warmer := NewWarmer(cache, store, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		warmer.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("warmer did not stop after cancel")
	}

	page := cache.FetchPage(context.Background(), 10, nil)
	if len(page.Entries) != 1 {
		t.Errorf("entries = %+v, want [a]", page.Entries)
	}
}

func TestExhaustedCachePageIsToppedUpFromStore(t *testing.T) {
	store := newStore(t, post("a", 1), post("b", 2), post("c", 3), post("d", 4), post("e", 5))
	cache := NewCache(newPebbleSet(t), CacheOptions{Window: 2}, zap.NewNop())
	if err := cache.Insert(context.Background(), post("a", 1), post("b", 2), post("c", 3), post("d", 4), post("e", 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cached := cache.FetchPage(context.Background(), 4, nil)
	if len(cached.Entries) != 2 || !cached.Exhausted {
		t.Fatalf("cache page = %+v, want the two newest and exhausted", cached)
	}

	reader := NewReader(cache, store, zap.NewNop())
	page, err := reader.GetPage(context.Background(), 4, "")
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if got := pageIDs(page); !equalIDs(got, []string{"e", "d", "c", "b"}) {
		t.Fatalf("page = %v, want [e d c b]", got)
	}
	if page.NextCursor == "" {
		t.Fatal("a full page must carry a cursor")
	}

	rest := paginateFrom(t, reader, 4, page.NextCursor)
	if !equalIDs(rest, []string{"a"}) {
		t.Fatalf("rest = %v, want [a]", rest)
	}
}
