// Package cursor encodes timeline pagination watermarks as opaque tokens.
package cursor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidCursor is returned for tokens that cannot be decoded into a valid cursor.
// It is a client input error.
var ErrInvalidCursor = errors.New("invalid cursor")

var postIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Cursor is a strict upper bound on (score, id) in descending order.
// Score is the post creation time in milliseconds since the epoch.
type Cursor struct {
	Score int64
	ID    string
}

type wireCursor struct {
	Score int64  `json:"s"`
	ID    string `json:"i"`
}

// Before reports whether (score, id) sorts strictly after c in descending order,
// i.e. whether it belongs to the page that c starts.
func (c Cursor) Before(score int64, id string) bool {
	return score < c.Score || (score == c.Score && id < c.ID)
}

// ValidPostID reports whether id has the shape of a post identifier.
func ValidPostID(id string) bool {
	return postIDPattern.MatchString(id)
}

// Encode serializes c to a URL-safe token.
func Encode(c Cursor) string {
	raw, _ := json.Marshal(wireCursor{Score: c.Score, ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a token. An empty token means "start of feed" and yields nil.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var w wireCursor
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidCursor)
	}

	if w.Score < 0 {
		return nil, fmt.Errorf("%w: negative score", ErrInvalidCursor)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidCursor)
	}
	if !ValidPostID(w.ID) {
		return nil, fmt.Errorf("%w: malformed id", ErrInvalidCursor)
	}

	return &Cursor{Score: w.Score, ID: w.ID}, nil
}
