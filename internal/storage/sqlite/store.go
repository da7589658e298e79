// Package sqlite provides a SQLite-backed post store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/dgnsrekt/feedrelay/internal/cursor"
	"github.com/dgnsrekt/feedrelay/internal/data"
	"github.com/dgnsrekt/feedrelay/internal/storage/sqlite/migrations"
)

// Store persists posts and their media in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Compile-time interface verification
var _ data.Store = (*Store)(nil)

const postColumns = `id, author_id, content, visibility, created_at, deleted_at`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite post store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// applyMigrations executes each embedded .sql file at most once.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var count int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// CreatePost inserts one post.
func (s *Store) CreatePost(ctx context.Context, post data.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if post.Visibility == "" {
		post.Visibility = data.VisibilityPublic
	}
	if err := post.Validate(); err != nil {
		return err
	}

	var deletedAt sql.NullInt64
	if post.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: toMillis(*post.DeletedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO posts (`+postColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		post.ID,
		post.AuthorID,
		post.Content,
		string(post.Visibility),
		toMillis(post.CreatedAt),
		deletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return data.ErrAlreadyExists
		}
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

// DeletePost soft-deletes one post.
func (s *Store) DeletePost(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE posts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if n == 0 {
		return data.ErrNotFound
	}
	return nil
}

// AddMedia upserts attachments.
func (s *Store) AddMedia(ctx context.Context, items ...data.Media) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add media: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_media (post_id, position, url, kind) VALUES (?, ?, ?, ?)
			 ON CONFLICT(post_id, position) DO UPDATE SET url = excluded.url, kind = excluded.kind`,
			item.PostID, item.Position, item.URL, item.Kind,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("add media for %s: %w", item.PostID, err)
		}
	}
	return tx.Commit()
}

// PostsByIDs returns the eligible posts among ids.
func (s *Store) PostsByIDs(ctx context.Context, ids []string) (map[string]data.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	found := make(map[string]data.Post, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+postColumns+`
		   FROM posts
		  WHERE id IN (`+placeholders(len(ids))+`)
		    AND visibility = 'public' AND deleted_at IS NULL`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("posts by ids: %w", err)
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, fmt.Errorf("posts by ids: %w", err)
	}
	for _, p := range posts {
		found[p.ID] = p
	}
	return found, nil
}

// PostsBefore returns up to limit eligible posts strictly below before.
func (s *Store) PostsBefore(ctx context.Context, before *cursor.Cursor, limit int) ([]data.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+postColumns+`
			   FROM posts
			  WHERE visibility = 'public' AND deleted_at IS NULL
			  ORDER BY created_at DESC, id DESC
			  LIMIT ?`,
			limit,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+postColumns+`
			   FROM posts
			  WHERE visibility = 'public' AND deleted_at IS NULL
			    AND (created_at < ? OR (created_at = ? AND id < ?))
			  ORDER BY created_at DESC, id DESC
			  LIMIT ?`,
			before.Score, before.Score, before.ID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("posts before: %w", err)
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, fmt.Errorf("posts before: %w", err)
	}
	return posts, nil
}

// MediaForPosts returns attachments per post ordered by position.
func (s *Store) MediaForPosts(ctx context.Context, ids []string) (map[string][]data.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	out := make(map[string][]data.Media, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT post_id, position, url, kind
		   FROM post_media
		  WHERE post_id IN (`+placeholders(len(ids))+`)
		  ORDER BY post_id, position`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("media for posts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m data.Media
		if err := rows.Scan(&m.PostID, &m.Position, &m.URL, &m.Kind); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		out[m.PostID] = append(out[m.PostID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("media for posts: %w", err)
	}
	return out, nil
}

func scanPosts(rows *sql.Rows) ([]data.Post, error) {
	defer rows.Close()

	var posts []data.Post
	for rows.Next() {
		var (
			p          data.Post
			visibility string
			createdAt  int64
			deletedAt  sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.Content, &visibility, &createdAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Visibility = data.Visibility(visibility)
		p.CreatedAt = fromMillis(createdAt)
		if deletedAt.Valid {
			t := fromMillis(deletedAt.Int64)
			p.DeletedAt = &t
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
