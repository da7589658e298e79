package zset

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Key layout, per set:
//
//	z/<key>\x00m<score BE8><id>  -> empty   (ordered members)
//	z/<key>\x00i<id>             -> BE8     (id -> score)
const (
	memberTag = 'm'
	indexTag  = 'i'
)

// PebbleOptions configures the embedded backend.
type PebbleOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps all data in a memory-backed filesystem.
	InMemory bool
}

// Pebble stores sorted sets in an embedded pebble database. It suits
// single-node deployments that want a warm cache across restarts.
type Pebble struct {
	db *pebble.DB
	// serializes read-modify-write of the id index
	mu sync.Mutex
}

func OpenPebble(opts PebbleOptions) (*Pebble, error) {
	po := &pebble.Options{}
	dir := opts.Dir
	if opts.InMemory {
		po.FS = vfs.NewMem()
		dir = ""
	} else if dir == "" {
		return nil, errors.New("zset: pebble dir is required")
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func setPrefix(key string, tag byte) []byte {
	b := make([]byte, 0, 2+len(key)+2)
	b = append(b, 'z', '/')
	b = append(b, key...)
	return append(b, 0x00, tag)
}

func memberKey(key string, score int64, id string) []byte {
	b := setPrefix(key, memberTag)
	b = binary.BigEndian.AppendUint64(b, uint64(score))
	return append(b, id...)
}

func indexKey(key, id string) []byte {
	return append(setPrefix(key, indexTag), id...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *Pebble) Add(ctx context.Context, key string, members ...Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()

	// last write wins for ids repeated within one call
	latest := make(map[string]int64, len(members))
	for _, m := range members {
		if m.Score < 0 {
			return ErrNegativeScore
		}
		latest[m.ID] = m.Score
	}

	for id, score := range latest {
		m := Member{ID: id, Score: score}
		ik := indexKey(key, m.ID)
		old, found, err := p.lookup(ik)
		if err != nil {
			return err
		}
		if found {
			if old == m.Score {
				continue
			}
			if err := b.Delete(memberKey(key, old, m.ID), nil); err != nil {
				return err
			}
		}
		if err := b.Set(memberKey(key, m.Score, m.ID), nil, nil); err != nil {
			return err
		}
		if err := b.Set(ik, binary.BigEndian.AppendUint64(nil, uint64(m.Score)), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.NoSync)
}

func (p *Pebble) lookup(ik []byte) (int64, bool, error) {
	val, closer, err := p.db.Get(ik)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, errors.New("zset: corrupt index entry")
	}
	return int64(binary.BigEndian.Uint64(val)), true, nil
}

// RevRangeByScore returns up to count members with score <= max, newest first,
// skipping the first offset matches.
func (p *Pebble) RevRangeByScore(ctx context.Context, key string, max int64, offset, count int) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max < 0 || count <= 0 {
		return nil, nil
	}

	prefix := setPrefix(key, memberTag)
	upper := prefixEnd(prefix)
	if max < math.MaxInt64 {
		upper = binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), uint64(max+1))
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	members := make([]Member, 0, count)
	skipped := 0
	for valid := iter.Last(); valid && len(members) < count; valid = iter.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		k := iter.Key()[len(prefix):]
		if len(k) < 8 {
			continue
		}
		members = append(members, Member{
			Score: int64(binary.BigEndian.Uint64(k[:8])),
			ID:    string(k[8:]),
		})
	}
	return members, iter.Error()
}

func (p *Pebble) Remove(ctx context.Context, key string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		ik := indexKey(key, id)
		score, found, err := p.lookup(ik)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := b.Delete(memberKey(key, score, id), nil); err != nil {
			return err
		}
		if err := b.Delete(ik, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.NoSync)
}

// TrimToNewest drops everything but the keep highest-ranked members.
func (p *Pebble) TrimToNewest(ctx context.Context, key string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := setPrefix(key, memberTag)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := p.db.NewBatch()
	defer b.Close()

	kept := 0
	for valid := iter.Last(); valid; valid = iter.Prev() {
		if kept < keep {
			kept++
			continue
		}
		k := iter.Key()
		id := string(k[len(prefix)+8:])
		if err := b.Delete(append([]byte(nil), k...), nil); err != nil {
			return err
		}
		if err := b.Delete(indexKey(key, id), nil); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	return b.Commit(pebble.NoSync)
}
