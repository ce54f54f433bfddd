package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entryKind int

const (
	kindString entryKind = iota
	kindHash
	kindZSet
)

type memEntry struct {
	kind      entryKind
	value     string
	hash      map[string]string
	zset      []Member // kept sorted: ascending score, then lexical member
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemoryStore is an in-process Store. It mirrors the Redis semantics for
// sorted-set ordering and TTL eviction but is not durable. Suitable for
// tests and degraded operation when the networked store is unavailable.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// NewMemoryStoreWithNow creates a store whose TTL checks use the given time
// source. Tests pair this with a manual clock.
func NewMemoryStoreWithNow(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memEntry),
		now:  now,
	}
}

// live returns the entry for key, evicting it first if its TTL has passed.
func (s *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.kind != kindString {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &memEntry{kind: kindString, value: value}
	return nil
}

func (s *MemoryStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &memEntry{kind: kindString, value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	e := &memEntry{kind: kindString, value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(key); ok {
		e.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hsetLocked(key, field, value)
	return nil
}

func (s *MemoryStore) hsetLocked(key, field, value string) {
	e, ok := s.live(key)
	if !ok || e.kind != kindHash {
		e = &memEntry{kind: kindHash, hash: make(map[string]string)}
		s.data[key] = e
	}
	e.hash[field] = value
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.kind != kindHash {
		return "", false, nil
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	e, ok := s.live(key)
	if !ok || e.kind != kindHash {
		return out, nil
	}
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zaddLocked(key, score, member)
	return nil
}

func (s *MemoryStore) zaddLocked(key string, score float64, member string) {
	e, ok := s.live(key)
	if !ok || e.kind != kindZSet {
		e = &memEntry{kind: kindZSet}
		s.data[key] = e
	}

	// ZADD replaces the score of an existing member.
	for i := range e.zset {
		if e.zset[i].Member == member {
			e.zset = append(e.zset[:i], e.zset[i+1:]...)
			break
		}
	}
	e.zset = append(e.zset, Member{Score: score, Member: member})
	sort.Slice(e.zset, func(i, j int) bool {
		if e.zset[i].Score != e.zset[j].Score {
			return e.zset[i].Score < e.zset[j].Score
		}
		return e.zset[i].Member < e.zset[j].Member
	})
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.kind != kindZSet {
		return nil, nil
	}
	var out []Member
	for _, m := range e.zset {
		if m.Score >= min && m.Score <= max {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.zremRangeLocked(key, min, max), nil
}

func (s *MemoryStore) zremRangeLocked(key string, min, max float64) int64 {
	e, ok := s.live(key)
	if !ok || e.kind != kindZSet {
		return 0
	}
	var removed int64
	kept := e.zset[:0]
	for _, m := range e.zset {
		if m.Score >= min && m.Score <= max {
			removed++
		} else {
			kept = append(kept, m)
		}
	}
	e.zset = kept
	return removed
}

func (s *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.kind != kindZSet {
		return 0, nil
	}
	var count int64
	for _, m := range e.zset {
		if m.Score >= min && m.Score <= max {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ZAddIfCountBelow(ctx context.Context, key string, trimBelow float64, limit int64, score float64, member string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zremRangeLocked(key, negInf, trimBelow)

	var count int64
	if e, ok := s.live(key); ok && e.kind == kindZSet {
		count = int64(len(e.zset))
	}
	if count >= limit {
		return false, count, nil
	}
	s.zaddLocked(key, score, member)
	return true, count, nil
}

const negInf = -1 << 53

type memPipe struct {
	ops []func(*MemoryStore)
}

func (p *memPipe) Set(key, value string) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		s.data[key] = &memEntry{kind: kindString, value: value}
	})
}

func (p *memPipe) SetEx(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		s.data[key] = &memEntry{kind: kindString, value: value, expiresAt: s.now().Add(ttl)}
	})
}

func (p *memPipe) Del(keys ...string) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		for _, key := range keys {
			delete(s.data, key)
		}
	})
}

func (p *memPipe) HSet(key, field, value string) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		s.hsetLocked(key, field, value)
	})
}

func (p *memPipe) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		s.zaddLocked(key, score, member)
	})
}

func (p *memPipe) ZRemRangeByScore(key string, min, max float64) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		s.zremRangeLocked(key, min, max)
	})
}

func (p *memPipe) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(s *MemoryStore) {
		if e, ok := s.live(key); ok {
			e.expiresAt = s.now().Add(ttl)
		}
	})
}

func (s *MemoryStore) Pipeline(ctx context.Context, fn func(Pipe)) error {
	pipe := &memPipe{}
	fn(pipe)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range pipe.ops {
		op(s)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*memEntry)
	return nil
}
