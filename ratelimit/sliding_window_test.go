/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratekeeper/storage"
)

type SlidingWindowLogTestSuite struct {
	suite.Suite
	newStorage func(t *testing.T) storage.Storage
	storage    storage.Storage
	strategy   *SlidingWindowLog
}

func TestSlidingWindowLog(t *testing.T) {
	for _, f := range storageFactories {
		t.Run(f.name, func(t *testing.T) {
			suite.Run(t, &SlidingWindowLogTestSuite{newStorage: f.new})
		})
	}
}

func (s *SlidingWindowLogTestSuite) SetupTest() {
	s.storage = s.newStorage(s.T())
	s.strategy = NewSlidingWindowLog(s.storage)
}

func (s *SlidingWindowLogTestSuite) key(client string) Key {
	return Key{ClientID: client, EndpointID: "POST /api", Alg: AlgSlidingWindow}
}

func (s *SlidingWindowLogTestSuite) storedLog(key Key) []int64 {
	val, found, err := s.storage.Get(context.Background(), key.storageKey(slidingWindowLogSuffix))
	s.Require().NoError(err)
	if !found {
		return nil
	}
	ts, err := val.Timestamps()
	s.Require().NoError(err)
	return ts
}

func (s *SlidingWindowLogTestSuite) TestAdmitsUpToMaxThenRejects() {
	ctx := context.Background()
	rule := Rule{MaxRequests: 3, Window: time.Second}
	key := s.key("acme")

	remaining, err := s.strategy.RemainingRequests(ctx, key, rule, msTime(10_000))
	s.Require().NoError(err)
	s.Require().Equal(3, remaining)
	reset, err := s.strategy.ResetTime(ctx, key, rule, msTime(10_000))
	s.Require().NoError(err)
	s.Require().Zero(reset)

	for i, nowMs := range []int64{10_000, 10_200, 10_400} {
		limited, checkErr := s.strategy.IsRateLimited(ctx, key, rule, msTime(nowMs))
		s.Require().NoError(checkErr)
		s.Require().False(limited, "request #%d", i+1)
		remaining, err = s.strategy.RemainingRequests(ctx, key, rule, msTime(nowMs))
		s.Require().NoError(err)
		s.Require().Equal(2-i, remaining)
	}

	limited, err := s.strategy.IsRateLimited(ctx, key, rule, msTime(10_500))
	s.Require().NoError(err)
	s.Require().True(limited)
	s.Require().Equal([]int64{10_000, 10_200, 10_400}, s.storedLog(key))

	reset, err = s.strategy.ResetTime(ctx, key, rule, msTime(10_500))
	s.Require().NoError(err)
	s.Require().Equal(500*time.Millisecond, reset)

	// The entry at 10 000 is outside of the window (10 000 <= 11 000 - 1 000).
	limited, err = s.strategy.IsRateLimited(ctx, key, rule, msTime(11_000))
	s.Require().NoError(err)
	s.Require().False(limited)
	s.Require().Equal([]int64{10_200, 10_400, 11_000}, s.storedLog(key))
}

func (s *SlidingWindowLogTestSuite) TestRejectPersistsTrimmedLog() {
	ctx := context.Background()
	rule := Rule{MaxRequests: 2, Window: time.Second}
	key := s.key("acme")
	s.Require().NoError(s.storage.Set(ctx, key.storageKey(slidingWindowLogSuffix),
		storage.LogValue([]int64{1_000, 1_900, 2_500, 2_600})))

	limited, err := s.strategy.IsRateLimited(ctx, key, rule, msTime(2_950))
	s.Require().NoError(err)
	s.Require().True(limited)
	s.Require().Equal([]int64{2_500, 2_600}, s.storedLog(key))
}

func (s *SlidingWindowLogTestSuite) TestResetTimeUsesOldestEntry() {
	ctx := context.Background()
	rule := Rule{MaxRequests: 10, Window: time.Second}
	key := s.key("acme")
	// Out-of-order entries may appear when several instances write the log.
	s.Require().NoError(s.storage.Set(ctx, key.storageKey(slidingWindowLogSuffix),
		storage.LogValue([]int64{5_300, 5_100, 5_200})))

	reset, err := s.strategy.ResetTime(ctx, key, rule, msTime(5_500))
	s.Require().NoError(err)
	s.Require().Equal(600*time.Millisecond, reset)

	// All entries have expired.
	reset, err = s.strategy.ResetTime(ctx, key, rule, msTime(6_300))
	s.Require().NoError(err)
	s.Require().Zero(reset)
	remaining, err := s.strategy.RemainingRequests(ctx, key, rule, msTime(6_300))
	s.Require().NoError(err)
	s.Require().Equal(10, remaining)
}

func (s *SlidingWindowLogTestSuite) TestResetTimeRange() {
	ctx := context.Background()
	rule := Rule{MaxRequests: 5, Window: time.Minute}
	key := s.key("acme")

	for _, nowMs := range []int64{1_000, 30_000, 60_999, 61_000, 200_000} {
		_, err := s.strategy.IsRateLimited(ctx, key, rule, msTime(nowMs))
		s.Require().NoError(err)
		reset, err := s.strategy.ResetTime(ctx, key, rule, msTime(nowMs))
		s.Require().NoError(err)
		s.Require().Positive(reset)
		s.Require().LessOrEqual(reset, rule.Window)
	}

	// Timestamps from the future are clamped to the window.
	s.Require().NoError(s.storage.Set(ctx, key.storageKey(slidingWindowLogSuffix), storage.LogValue([]int64{500_000})))
	reset, err := s.strategy.ResetTime(ctx, key, rule, msTime(400_000))
	s.Require().NoError(err)
	s.Require().Equal(rule.Window, reset)
}

func (s *SlidingWindowLogTestSuite) TestNoBoundaryBurst() {
	ctx := context.Background()
	rule := Rule{MaxRequests: 10, Window: time.Minute}
	key := s.key("acme")

	admitted := 0
	for _, nowMs := range []int64{59_900, 60_100, 119_800} {
		for i := 0; i < 15; i++ {
			limited, err := s.strategy.IsRateLimited(ctx, key, rule, msTime(nowMs))
			s.Require().NoError(err)
			if !limited {
				admitted++
			}
		}
	}
	// 10 at 59 900; none at 60 100; none at 119 800 (59 900 > 119 800 - 60 000).
	s.Require().Equal(rule.MaxRequests, admitted)

	limited, err := s.strategy.IsRateLimited(ctx, key, rule, msTime(119_900))
	s.Require().NoError(err)
	s.Require().False(limited)
}

func (s *SlidingWindowLogTestSuite) TestIsolation() {
	ctx := context.Background()
	rule := Rule{MaxRequests: 1, Window: time.Minute}
	now := msTime(1_000)

	keys := []Key{
		{ClientID: "acme", EndpointID: "GET /a", Alg: AlgSlidingWindow},
		{ClientID: "acme", EndpointID: "GET /b", Alg: AlgSlidingWindow},
		{ClientID: "globex", EndpointID: "GET /a", Alg: AlgSlidingWindow},
	}
	for _, key := range keys {
		limited, err := s.strategy.IsRateLimited(ctx, key, rule, now)
		s.Require().NoError(err)
		s.Require().False(limited, key.String())
	}
	for _, key := range keys {
		limited, err := s.strategy.IsRateLimited(ctx, key, rule, now)
		s.Require().NoError(err)
		s.Require().True(limited, key.String())
	}
}

func (s *SlidingWindowLogTestSuite) TestConcurrentChecks() {
	const goroutines = 8
	const requestsPerGoroutine = 20

	ctx := context.Background()
	rule := Rule{MaxRequests: 20, Window: time.Minute}
	key := s.key("acme")
	now := msTime(30_000)

	admitted := atomic.NewInt32(0)
	errsCount := atomic.NewInt32(0)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requestsPerGoroutine; j++ {
				limited, err := s.strategy.IsRateLimited(ctx, key, rule, now)
				if err != nil {
					errsCount.Inc()
					continue
				}
				if !limited {
					admitted.Inc()
				}
			}
		}()
	}
	wg.Wait()

	s.Require().Zero(errsCount.Load())
	// Lost updates of the log may only admit more requests, never less.
	s.Require().GreaterOrEqual(int(admitted.Load()), rule.MaxRequests)
	s.Require().LessOrEqual(len(s.storedLog(key)), rule.MaxRequests)
}

func (s *SlidingWindowLogTestSuite) TestLockstepCallersOvershoot() {
	const goroutines = 4
	const requestsPerGoroutine = 10

	ctx := context.Background()
	rule := Rule{MaxRequests: 3, Window: time.Minute}
	key := s.key("acme")
	now := msTime(30_000)
	strategy := NewSlidingWindowLog(newLockstepStorage(s.storage, goroutines))

	admitted := atomic.NewInt32(0)
	errsCount := atomic.NewInt32(0)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requestsPerGoroutine; j++ {
				limited, err := strategy.IsRateLimited(ctx, key, rule, now)
				if err != nil {
					errsCount.Inc()
					continue
				}
				if !limited {
					admitted.Inc()
				}
			}
		}()
	}
	wg.Wait()

	s.Require().Zero(errsCount.Load())
	// Every round admits all callers but grows the log by a single entry.
	s.Require().EqualValues(goroutines*rule.MaxRequests, admitted.Load())
	s.Require().Len(s.storedLog(key), rule.MaxRequests)
}

// lockstepStorage makes callers read in rounds: Get returns only after all parties have read,
// so no write of the round can be observed by a read of the same round.
type lockstepStorage struct {
	storage.Storage
	parties int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	round   int
}

func newLockstepStorage(delegate storage.Storage, parties int) *lockstepStorage {
	s := &lockstepStorage{Storage: delegate, parties: parties}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *lockstepStorage) Get(ctx context.Context, key string) (storage.Value, bool, error) {
	val, found, err := s.Storage.Get(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	round := s.round
	s.arrived++
	if s.arrived == s.parties {
		s.arrived = 0
		s.round++
		s.cond.Broadcast()
		return val, found, err
	}
	for round == s.round {
		s.cond.Wait()
	}
	return val, found, err
}

func (s *SlidingWindowLogTestSuite) TestKindMismatch() {
	ctx := context.Background()
	key := s.key("acme")
	s.Require().NoError(s.storage.Set(ctx, key.storageKey(slidingWindowLogSuffix), storage.CounterValue(1)))
	_, err := s.strategy.IsRateLimited(ctx, key, Rule{MaxRequests: 1, Window: time.Second}, msTime(0))
	s.Require().ErrorIs(err, storage.ErrKindMismatch)
}
