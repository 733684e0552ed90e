/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"
)

// Strategy is a rate-limiting algorithm working on top of storage.Storage.
// Implementations must not keep any state in memory, and must not hold locks across storage calls.
type Strategy interface {
	// Alg returns the name of the algorithm.
	Alg() Alg

	// IsRateLimited checks whether the request should be rejected and records it if it's admitted.
	IsRateLimited(ctx context.Context, key Key, rule Rule, now time.Time) (bool, error)

	// RemainingRequests returns the number of requests that may still be admitted at now.
	RemainingRequests(ctx context.Context, key Key, rule Rule, now time.Time) (int, error)

	// ResetTime returns the duration until the quota is (at least partially) restored.
	// It's 0 when there is no recorded state, otherwise it lies in (0, rule.Window].
	ResetTime(ctx context.Context, key Key, rule Rule, now time.Time) (time.Duration, error)
}

// Refunder is implemented by strategies that can give back a previously admitted request.
type Refunder interface {
	Refund(ctx context.Context, key Key, rule Rule, now time.Time) error
}
