package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 64

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryStore keeps windows in process memory, striped across shards so
// unrelated clients do not contend on one lock.
type MemoryStore struct {
	cfg    Config
	shards []shard
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(cfg Config) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &MemoryStore{
		cfg:    cfg,
		shards: make([]shard, defaultShards),
	}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*window)
	}
	return s, nil
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, now time.Time) (Result, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || now.Sub(w.start) >= s.cfg.Period {
		w = &window{start: now, count: 1}
		sh.windows[key] = w
		return s.result(true, w, now), nil
	}

	if w.count < s.cfg.Limit {
		w.count++
		return s.result(true, w, now), nil
	}
	return s.result(false, w, now), nil
}

func (s *MemoryStore) result(allowed bool, w *window, now time.Time) Result {
	resetAt := w.start.Add(s.cfg.Period)
	return Result{
		Allowed:    allowed,
		Limit:      s.cfg.Limit,
		Remaining:  s.cfg.Limit - w.count,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}
}

// Sweep deletes windows that expired before now and returns how many were
// removed. Expired windows would be reset on next access anyway; sweeping
// only bounds memory held for clients that went away.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			if now.Sub(w.start) >= s.cfg.Period {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) shardFor(key string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return &s.shards[hasher.Sum32()%uint32(len(s.shards))]
}
