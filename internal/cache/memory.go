package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

type entry struct {
	value     []byte
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Memory is an in-process cache split into shards so unrelated keys rarely contend.
type Memory struct {
	shards [shardCount]*shard
	now    func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Get(_ context.Context, fingerprint string) ([]byte, bool, error) {
	s := m.shardFor(fingerprint)
	s.mu.RLock()
	e, ok := s.entries[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[fingerprint]; ok && !m.now().Before(cur.expiresAt) {
			delete(s.entries, fingerprint)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Put(_ context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	s := m.shardFor(fingerprint)
	s.mu.Lock()
	s.entries[fingerprint] = entry{value: buf, expiresAt: m.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Compact drops expired entries and returns how many were removed.
func (m *Memory) Compact() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len counts live and not-yet-compacted entries.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
