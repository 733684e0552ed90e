/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMemoryMaxKeys is a default maximum number of keys kept by MemoryStorage.
const DefaultMemoryMaxKeys = 100000

type memoryEntry struct {
	key       string
	value     Value
	expiresAt time.Time
}

// MemoryStorage is an in-process Storage implementation.
// Keys are kept in LRU order: when MaxKeys is exceeded, the least recently used key is evicted.
// If IdleTTL is set, a key that was not touched for this duration is treated as absent
// and removed on access or by RunCleanup.
type MemoryStorage struct {
	maxKeys int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	lruList *list.List
	entries map[string]*list.Element

	metricsCollector MemoryMetricsCollector
}

var _ Storage = (*MemoryStorage)(nil)
var _ Pinger = (*MemoryStorage)(nil)

// MemoryStorageOpts represents options for MemoryStorage.
type MemoryStorageOpts struct {
	// MaxKeys limits the number of stored keys. DefaultMemoryMaxKeys is used if it's 0.
	MaxKeys int

	// IdleTTL is a duration after which an untouched key expires. Zero means no expiration.
	// It should be at least the largest rate-limiting window, otherwise the state may be lost inside a window.
	IdleTTL time.Duration

	// MetricsCollector collects statistics about stored keys. May be nil.
	MetricsCollector MemoryMetricsCollector

	// Now is used for expiration checks. time.Now is used if it's nil.
	Now func() time.Time
}

// NewMemoryStorage creates a new MemoryStorage with default options.
func NewMemoryStorage() *MemoryStorage {
	s, _ := NewMemoryStorageWithOpts(MemoryStorageOpts{}) // Error is always nil for default options.
	return s
}

// NewMemoryStorageWithOpts creates a new MemoryStorage with the provided options.
func NewMemoryStorageWithOpts(opts MemoryStorageOpts) (*MemoryStorage, error) {
	if opts.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys should be >= 0, got %d", opts.MaxKeys)
	}
	if opts.IdleTTL < 0 {
		return nil, fmt.Errorf("idle TTL should be >= 0 (no expiration), got %s", opts.IdleTTL)
	}
	if opts.MaxKeys == 0 {
		opts.MaxKeys = DefaultMemoryMaxKeys
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMemoryMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryStorage{
		maxKeys:          opts.MaxKeys,
		idleTTL:          opts.IdleTTL,
		now:              opts.Now,
		lruList:          list.New(),
		entries:          make(map[string]*list.Element),
		metricsCollector: opts.MetricsCollector,
	}, nil
}

// Get returns the value stored by the key.
func (s *MemoryStorage) Get(_ context.Context, key string) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.get(key)
	if !ok {
		return Value{}, false, nil
	}
	if entry.value.kind == KindLog {
		return LogValue(entry.value.timestamps), true, nil
	}
	return entry.value, true, nil
}

// Set overwrites the value stored by the key.
func (s *MemoryStorage) Set(ctx context.Context, key string, value Value) error {
	if value.kind != KindCounter && value.kind != KindLog {
		return ErrInvalidValue
	}
	if value.kind == KindLog {
		if len(value.timestamps) == 0 {
			return s.Reset(ctx, key)
		}
		value = LogValue(value.timestamps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.get(key); ok {
		entry.value = value
		s.touch(entry)
		return nil
	}
	s.addNew(key, value)
	return nil
}

// Increment atomically adds one to the counter stored by the key.
func (s *MemoryStorage) Increment(_ context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

// Decrement atomically subtracts one from the counter stored by the key, the result is floored at zero.
func (s *MemoryStorage) Decrement(_ context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

// Reset deletes the key.
func (s *MemoryStorage) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.lruList.Remove(elem)
		delete(s.entries, key)
		s.metricsCollector.SetAmount(len(s.entries))
	}
	return nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStorage) Ping(_ context.Context) error {
	return nil
}

// Len returns the number of stored keys (including expired but not yet removed ones).
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunCleanup removes expired keys once. It fits service.WorkerFunc,
// so the cleanup can be scheduled by service.PeriodicWorker.
func (s *MemoryStorage) RunCleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return nil
	}
	s.Cleanup()
	return nil
}

// Cleanup removes all expired keys and returns the number of removed ones.
func (s *MemoryStorage) Cleanup() (removed int) {
	if s.idleTTL == 0 {
		return 0
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, elem := range s.entries {
		if s.isExpired(elem.Value.(*memoryEntry), now) {
			s.lruList.Remove(elem)
			delete(s.entries, key)
			removed++
		}
	}
	s.metricsCollector.SetAmount(len(s.entries))
	return removed
}

func (s *MemoryStorage) add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.get(key)
	if !ok {
		if delta <= 0 {
			return 0, nil
		}
		s.addNew(key, CounterValue(delta))
		return delta, nil
	}
	if entry.value.kind != KindCounter {
		return 0, fmt.Errorf("key %q holds %s: %w", key, entry.value.kind, ErrKindMismatch)
	}
	n := entry.value.count + delta
	if n < 0 {
		n = 0
	}
	entry.value = CounterValue(n)
	s.touch(entry)
	return n, nil
}

// get must be called under the lock.
func (s *MemoryStorage) get(key string) (*memoryEntry, bool) {
	elem, hit := s.entries[key]
	if !hit {
		s.metricsCollector.IncMisses()
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if s.isExpired(entry, s.now()) {
		s.lruList.Remove(elem)
		delete(s.entries, key)
		s.metricsCollector.SetAmount(len(s.entries))
		s.metricsCollector.IncMisses()
		return nil, false
	}
	s.lruList.MoveToFront(elem)
	s.metricsCollector.IncHits()
	return entry, true
}

func (s *MemoryStorage) touch(entry *memoryEntry) {
	if s.idleTTL > 0 {
		entry.expiresAt = s.now().Add(s.idleTTL)
	}
}

func (s *MemoryStorage) isExpired(entry *memoryEntry, now time.Time) bool {
	return !entry.expiresAt.IsZero() && entry.expiresAt.Before(now)
}

func (s *MemoryStorage) addNew(key string, value Value) {
	entry := &memoryEntry{key: key, value: value}
	s.touch(entry)
	s.entries[key] = s.lruList.PushFront(entry)
	if len(s.entries) > s.maxKeys {
		if elem := s.lruList.Back(); elem != nil {
			s.lruList.Remove(elem)
			delete(s.entries, elem.Value.(*memoryEntry).key)
			s.metricsCollector.AddEvictions(1)
		}
	}
	s.metricsCollector.SetAmount(len(s.entries))
}
