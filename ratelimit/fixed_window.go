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

const (
	fixedWindowIDSuffix    = "window"
	fixedWindowCountSuffix = "count"
)

// FixedWindow implements the fixed window counter algorithm.
//
// For every key two counters are stored: the id of the current window (floor(now / window))
// and the number of admitted requests in it. When the window id changes, the count is reset and the new
// window id is written. These are two independent writes, so concurrent callers crossing the boundary
// may overshoot the limit slightly, and up to 2×MaxRequests requests may be admitted around the boundary.
type FixedWindow struct {
	storage storage.Storage
}

var _ Strategy = (*FixedWindow)(nil)
var _ Refunder = (*FixedWindow)(nil)

// NewFixedWindow creates a new FixedWindow strategy.
func NewFixedWindow(s storage.Storage) *FixedWindow {
	return &FixedWindow{storage: s}
}

// Alg returns AlgFixedWindow.
func (fw *FixedWindow) Alg() Alg {
	return AlgFixedWindow
}

// IsRateLimited rejects the request if the current window's count has reached the limit,
// otherwise increments the count and admits the request.
func (fw *FixedWindow) IsRateLimited(ctx context.Context, key Key, rule Rule, now time.Time) (bool, error) {
	windowKey, countKey := key.storageKey(fixedWindowIDSuffix), key.storageKey(fixedWindowCountSuffix)
	currentID := floorDiv(now.UnixMilli(), rule.windowMs())

	storedID, found, err := fw.getCounter(ctx, windowKey)
	if err != nil {
		return false, err
	}
	if !found || storedID != currentID {
		if err = fw.storage.Set(ctx, countKey, storage.CounterValue(0)); err != nil {
			return false, fmt.Errorf("reset count: %w", err)
		}
		if err = fw.storage.Set(ctx, windowKey, storage.CounterValue(currentID)); err != nil {
			return false, fmt.Errorf("set window id: %w", err)
		}
	}

	count, _, err := fw.getCounter(ctx, countKey)
	if err != nil {
		return false, err
	}
	if count >= int64(rule.MaxRequests) {
		return true, nil
	}
	if _, err = fw.storage.Increment(ctx, countKey); err != nil {
		return false, fmt.Errorf("increment count: %w", err)
	}
	return false, nil
}

// RemainingRequests returns MaxRequests for a fresh window, otherwise MaxRequests minus the count (floored at 0).
func (fw *FixedWindow) RemainingRequests(ctx context.Context, key Key, rule Rule, now time.Time) (int, error) {
	current, err := fw.isCurrentWindow(ctx, key, rule, now)
	if err != nil || !current {
		return rule.MaxRequests, err
	}
	count, _, err := fw.getCounter(ctx, key.storageKey(fixedWindowCountSuffix))
	if err != nil {
		return 0, err
	}
	if remaining := int64(rule.MaxRequests) - count; remaining > 0 {
		return int(remaining), nil
	}
	return 0, nil
}

// ResetTime returns the duration until the end of the current window, or 0 if the stored window is stale or absent.
func (fw *FixedWindow) ResetTime(ctx context.Context, key Key, rule Rule, now time.Time) (time.Duration, error) {
	current, err := fw.isCurrentWindow(ctx, key, rule, now)
	if err != nil || !current {
		return 0, err
	}
	windowMs := rule.windowMs()
	resetMs := (floorDiv(now.UnixMilli(), windowMs)+1)*windowMs - now.UnixMilli()
	return time.Duration(resetMs) * time.Millisecond, nil
}

// Refund gives back one request in the current window. It does nothing if the window has already changed.
func (fw *FixedWindow) Refund(ctx context.Context, key Key, rule Rule, now time.Time) error {
	current, err := fw.isCurrentWindow(ctx, key, rule, now)
	if err != nil || !current {
		return err
	}
	if _, err = fw.storage.Decrement(ctx, key.storageKey(fixedWindowCountSuffix)); err != nil {
		return fmt.Errorf("decrement count: %w", err)
	}
	return nil
}

func (fw *FixedWindow) isCurrentWindow(ctx context.Context, key Key, rule Rule, now time.Time) (bool, error) {
	storedID, found, err := fw.getCounter(ctx, key.storageKey(fixedWindowIDSuffix))
	if err != nil {
		return false, err
	}
	return found && storedID == floorDiv(now.UnixMilli(), rule.windowMs()), nil
}

func (fw *FixedWindow) getCounter(ctx context.Context, storageKey string) (n int64, found bool, err error) {
	val, found, err := fw.storage.Get(ctx, storageKey)
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", storageKey, err)
	}
	if !found {
		return 0, false, nil
	}
	if n, err = val.Counter(); err != nil {
		return 0, false, fmt.Errorf("get %s: %w", storageKey, err)
	}
	return n, true, nil
}
