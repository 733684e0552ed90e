/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratekeeper/storage"
)

type storageFactory struct {
	name string
	new  func(t *testing.T) storage.Storage
}

var storageFactories = []storageFactory{
	{
		name: "memory",
		new: func(_ *testing.T) storage.Storage {
			return storage.NewMemoryStorage()
		},
	},
	{
		name: "redis",
		new: func(t *testing.T) storage.Storage {
			mr := miniredis.RunT(t)
			rs, err := storage.NewRedisStorageFromURL("redis://"+mr.Addr(), 0, storage.RedisStorageOpts{})
			require.NoError(t, err)
			t.Cleanup(func() { _ = rs.Close() })
			return rs
		},
	},
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

type manualClock struct {
	nowMs *atomic.Int64
}

func newManualClock(ms int64) *manualClock {
	return &manualClock{nowMs: atomic.NewInt64(ms)}
}

func (c *manualClock) Now() time.Time {
	return time.UnixMilli(c.nowMs.Load())
}

func (c *manualClock) Set(ms int64) {
	c.nowMs.Store(ms)
}

// countingStorage counts calls to the delegate.
type countingStorage struct {
	storage.Storage
	calls *atomic.Int32
}

func newCountingStorage(delegate storage.Storage) *countingStorage {
	return &countingStorage{Storage: delegate, calls: atomic.NewInt32(0)}
}

func (s *countingStorage) Get(ctx context.Context, key string) (storage.Value, bool, error) {
	s.calls.Inc()
	return s.Storage.Get(ctx, key)
}

func (s *countingStorage) Set(ctx context.Context, key string, value storage.Value) error {
	s.calls.Inc()
	return s.Storage.Set(ctx, key, value)
}

func (s *countingStorage) Increment(ctx context.Context, key string) (int64, error) {
	s.calls.Inc()
	return s.Storage.Increment(ctx, key)
}

func (s *countingStorage) Decrement(ctx context.Context, key string) (int64, error) {
	s.calls.Inc()
	return s.Storage.Decrement(ctx, key)
}

// unavailableStorage fails every operation as an unreachable remote store does.
type unavailableStorage struct{}

func (unavailableStorage) Get(context.Context, string) (storage.Value, bool, error) {
	return storage.Value{}, false, fmt.Errorf("dial tcp: connection refused: %w", storage.ErrUnavailable)
}

func (unavailableStorage) Set(context.Context, string, storage.Value) error {
	return fmt.Errorf("dial tcp: connection refused: %w", storage.ErrUnavailable)
}

func (unavailableStorage) Increment(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("dial tcp: connection refused: %w", storage.ErrUnavailable)
}

func (unavailableStorage) Decrement(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("dial tcp: connection refused: %w", storage.ErrUnavailable)
}

func (unavailableStorage) Reset(context.Context, string) error {
	return fmt.Errorf("dial tcp: connection refused: %w", storage.ErrUnavailable)
}
