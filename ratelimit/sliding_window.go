/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-ratekeeper/storage"
)

const slidingWindowLogSuffix = "log"

// SlidingWindowLog implements the sliding window log algorithm.
//
// The timestamps (in milliseconds) of admitted requests are stored as a log.
// Only entries strictly newer than now-window are counted, so there is no boundary burst.
// The read-modify-write of the log is not atomic: concurrent callers that read the same log are all admitted,
// but only one entry of theirs survives, since each of them writes back the log it read plus its own entry.
// So the overshoot is never negative and grows with the number of concurrent callers for the same key:
// when N callers run in lockstep, N×MaxRequests requests are admitted.
type SlidingWindowLog struct {
	storage storage.Storage
}

var _ Strategy = (*SlidingWindowLog)(nil)

// NewSlidingWindowLog creates a new SlidingWindowLog strategy.
func NewSlidingWindowLog(s storage.Storage) *SlidingWindowLog {
	return &SlidingWindowLog{storage: s}
}

// Alg returns AlgSlidingWindow.
func (sw *SlidingWindowLog) Alg() Alg {
	return AlgSlidingWindow
}

// IsRateLimited drops expired entries and rejects the request if the number of remaining ones
// has reached the limit. Otherwise, it appends now to the log and admits the request.
func (sw *SlidingWindowLog) IsRateLimited(ctx context.Context, key Key, rule Rule, now time.Time) (bool, error) {
	logKey := key.storageKey(slidingWindowLogSuffix)
	stored, err := sw.getLog(ctx, logKey)
	if err != nil {
		return false, err
	}
	nowMs := now.UnixMilli()
	alive := trimLog(stored, nowMs-rule.windowMs())

	if len(alive) >= rule.MaxRequests {
		if len(alive) < len(stored) {
			// Expired entries are dropped from the stored log even on rejection.
			if err = sw.storage.Set(ctx, logKey, storage.LogValue(alive)); err != nil {
				return false, fmt.Errorf("set trimmed log: %w", err)
			}
		}
		return true, nil
	}

	if err = sw.storage.Set(ctx, logKey, storage.LogValue(append(alive, nowMs))); err != nil {
		return false, fmt.Errorf("set log: %w", err)
	}
	return false, nil
}

// RemainingRequests returns MaxRequests minus the number of entries within the window (floored at 0).
func (sw *SlidingWindowLog) RemainingRequests(ctx context.Context, key Key, rule Rule, now time.Time) (int, error) {
	stored, err := sw.getLog(ctx, key.storageKey(slidingWindowLogSuffix))
	if err != nil {
		return 0, err
	}
	if remaining := rule.MaxRequests - len(trimLog(stored, now.UnixMilli()-rule.windowMs())); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// ResetTime returns the duration until the oldest entry within the window expires, or 0 if there are no such entries.
func (sw *SlidingWindowLog) ResetTime(ctx context.Context, key Key, rule Rule, now time.Time) (time.Duration, error) {
	stored, err := sw.getLog(ctx, key.storageKey(slidingWindowLogSuffix))
	if err != nil {
		return 0, err
	}
	nowMs, windowMs := now.UnixMilli(), rule.windowMs()
	alive := trimLog(stored, nowMs-windowMs)
	if len(alive) == 0 {
		return 0, nil
	}
	oldest := alive[0]
	for _, ts := range alive[1:] {
		if ts < oldest {
			oldest = ts
		}
	}
	resetMs := oldest + windowMs - nowMs
	if resetMs > windowMs { // timestamps from the future (clock skew between instances)
		resetMs = windowMs
	}
	return time.Duration(resetMs) * time.Millisecond, nil
}

func (sw *SlidingWindowLog) getLog(ctx context.Context, logKey string) ([]int64, error) {
	val, found, err := sw.storage.Get(ctx, logKey)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", logKey, err)
	}
	if !found {
		return nil, nil
	}
	ts, err := val.Timestamps()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", logKey, err)
	}
	return ts, nil
}

// trimLog returns entries strictly greater than threshold, preserving their order.
func trimLog(timestamps []int64, threshold int64) []int64 {
	alive := make([]int64, 0, len(timestamps)+1)
	for _, ts := range timestamps {
		if ts > threshold {
			alive = append(alive, ts)
		}
	}
	return alive
}
