package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/feedrelay/internal/cursor"
	"github.com/dgnsrekt/feedrelay/internal/data"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "posts.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.CreatePost(context.Background(), post("a", 100)); err != nil {
		t.Fatalf("create post: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer second.Close()

	found, err := second.PostsByIDs(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("posts by ids: %v", err)
	}
	if _, ok := found["a"]; !ok {
		t.Fatal("expected post to survive reopen")
	}
}

func TestCreatePostReturnsAlreadyExistsOnDuplicate(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if err := store.CreatePost(context.Background(), post("dup", 1)); err != nil {
		t.Fatalf("create initial post: %v", err)
	}
	err := store.CreatePost(context.Background(), post("dup", 1))
	if !errors.Is(err, data.ErrAlreadyExists) {
		t.Fatalf("duplicate create error = %v, want %v", err, data.ErrAlreadyExists)
	}
}

func TestPostsBeforeKeysetPagination(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	for _, p := range []data.Post{post("a", 100), post("b", 100), post("c", 50), post("d", 50), post("e", 10)} {
		if err := store.CreatePost(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}

	var (
		seen   []string
		before *cursor.Cursor
	)
	for {
		page, err := store.PostsBefore(ctx, before, 2)
		if err != nil {
			t.Fatalf("posts before: %v", err)
		}
		for _, p := range page {
			seen = append(seen, p.ID)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		before = &cursor.Cursor{Score: last.Score(), ID: last.ID}
	}

	want := []string{"b", "a", "d", "c", "e"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestDeletedAndPrivatePostsAreExcluded(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	private := post("p", 30)
	private.Visibility = data.VisibilityPrivate
	for _, p := range []data.Post{post("a", 10), post("b", 20), private} {
		if err := store.CreatePost(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}
	if err := store.DeletePost(ctx, "b", time.Now()); err != nil {
		t.Fatalf("delete post: %v", err)
	}
	if err := store.DeletePost(ctx, "b", time.Now()); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("second delete error = %v, want %v", err, data.ErrNotFound)
	}

	found, err := store.PostsByIDs(ctx, []string{"a", "b", "p"})
	if err != nil {
		t.Fatalf("posts by ids: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found = %v, want only a", found)
	}

	page, err := store.PostsBefore(ctx, nil, 10)
	if err != nil {
		t.Fatalf("posts before: %v", err)
	}
	if len(page) != 1 || page[0].ID != "a" {
		t.Fatalf("page = %+v, want only a", page)
	}
	if !page[0].CreatedAt.Equal(time.UnixMilli(10)) {
		t.Fatalf("created_at = %v, want 10ms", page[0].CreatedAt)
	}
}

func TestMediaForPostsOrderedByPosition(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := store.CreatePost(ctx, post("a", 10)); err != nil {
		t.Fatalf("create post: %v", err)
	}
	err := store.AddMedia(ctx,
		data.Media{PostID: "a", Position: 1, URL: "https://cdn.example.com/1.png", Kind: "image"},
		data.Media{PostID: "a", Position: 0, URL: "https://cdn.example.com/0.png", Kind: "image"},
	)
	if err != nil {
		t.Fatalf("add media: %v", err)
	}

	media, err := store.MediaForPosts(ctx, []string{"a", "missing"})
	if err != nil {
		t.Fatalf("media for posts: %v", err)
	}
	got := media["a"]
	if len(got) != 2 || got[0].Position != 0 || got[1].Position != 1 {
		t.Fatalf("media = %+v, want positions 0,1", got)
	}
	if _, ok := media["missing"]; ok {
		t.Fatal("expected no media for unknown post")
	}
}

func post(id string, ms int64) data.Post {
	return data.Post{
		ID:        id,
		AuthorID:  "author-1",
		Content:   "post " + id,
		CreatedAt: time.UnixMilli(ms).UTC(),
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "posts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
