// Package zset provides ordered-set backends for the timeline cache.
//
// Members are ordered by score descending, then by member id descending using
// byte-wise comparison, matching Redis reverse range semantics.
package zset

import "errors"

// ErrNegativeScore is returned by backends that cannot order negative scores.
var ErrNegativeScore = errors.New("zset: negative score")

// Member is one entry of a sorted set.
type Member struct {
	ID    string
	Score int64
}
