package data

import "time"

// Visibility controls whether a post can appear on the public timeline.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityFollower Visibility = "followers"
	VisibilityPrivate  Visibility = "private"
)

type Post struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"author_id"`
	Content    string     `json:"content"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Score returns the timeline ordering score: creation time in milliseconds.
func (p Post) Score() int64 {
	return p.CreatedAt.UnixMilli()
}

// Eligible reports whether the post may be shown on the public timeline.
func (p Post) Eligible() bool {
	return p.DeletedAt == nil && p.Visibility == VisibilityPublic
}

// Media is an attachment rendered alongside a post.
type Media struct {
	PostID   string `json:"post_id"`
	Position int    `json:"position"`
	URL      string `json:"url"`
	Kind     string `json:"kind"`
}
