package zset

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis stores sorted sets in a shared Redis server so every instance sees
// the same timeline window.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Add(ctx context.Context, key string, members ...Member) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: float64(m.Score), Member: m.ID}
	}
	return r.client.ZAdd(ctx, key, zs...).Err()
}

// RevRangeByScore returns up to count members with score <= max, newest first,
// skipping the first offset matches.
func (r *Redis) RevRangeByScore(ctx context.Context, key string, max int64, offset, count int) ([]Member, error) {
	zs, err := r.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Max:    strconv.FormatInt(max, 10),
		Min:    "-inf",
		Offset: int64(offset),
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, Member{ID: id, Score: int64(z.Score)})
	}
	return members, nil
}

func (r *Redis) Remove(ctx context.Context, key string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.client.ZRem(ctx, key, args...).Err()
}

// TrimToNewest drops everything but the keep highest-ranked members.
func (r *Redis) TrimToNewest(ctx context.Context, key string, keep int) error {
	if keep <= 0 {
		return r.client.Del(ctx, key).Err()
	}
	return r.client.ZRemRangeByRank(ctx, key, 0, int64(-keep-1)).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
